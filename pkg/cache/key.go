package cache

import (
	"net/url"
	"strings"
)

// KeyPrefix namespaces every cache key produced by this package.
const KeyPrefix = "fda"

// Key identifies a logical openFDA request.
type Key struct {
	// Endpoint is the API path relative to the base URL (e.g., "drug/event.json")
	Endpoint string

	// Params are the query parameters (e.g., {"count": "patient.patientsex"})
	Params url.Values
}

// String generates a deterministic cache key string.
// Format: fda:endpoint?encoded-params
//
// url.Values.Encode sorts parameter names and escapes values, so the key does not
// depend on insertion order and a value containing separators cannot collide with
// another parameter set.
//
// Example:
//
//	fda:drug/event.json?count=patient.patientsex&limit=10
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	b.WriteByte(':')
	b.WriteString(strings.Trim(k.Endpoint, "/"))

	if len(k.Params) > 0 {
		b.WriteByte('?')
		b.WriteString(k.Params.Encode())
	}

	return b.String()
}
