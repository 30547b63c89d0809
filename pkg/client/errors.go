package client

import (
	"errors"
	"fmt"
)

// ErrClientClosed is reported in a canceled Result once Close has been called.
var ErrClientClosed = errors.New("client closed")

// ConfigError describes an invalid Config field.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
