// Package response defines the tagged result returned by every openFDA fetch.
//
// A Result carries either the decoded upstream payload or an Error. Transport
// failures, upstream error statuses, undecodable bodies and gateway timeouts all
// collapse into the same shape, so callers check Failed() instead of handling
// Go errors:
//
//	res := gw.Fetch(ctx, "drug/event.json", params)
//	if res.Failed() {
//		// degrade to empty data for this view
//	}
package response

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Class categorizes a failed fetch.
type Class string

const (
	// ClassNetwork represents DNS, connection and HTTP-layer timeout errors.
	ClassNetwork Class = "network"

	// ClassClient represents 4xx upstream responses.
	ClassClient Class = "client"

	// ClassServer represents 5xx upstream responses.
	ClassServer Class = "server"

	// ClassRateLimit represents 429 upstream responses.
	ClassRateLimit Class = "rate_limit"

	// ClassSemantic represents a 2xx body carrying an error field or lacking results.
	ClassSemantic Class = "semantic"

	// ClassDecode represents a body that is not valid JSON.
	ClassDecode Class = "decode"

	// ClassTimeout represents a gateway wait that elapsed without a matching reply.
	ClassTimeout Class = "timeout"

	// ClassCanceled represents a caller context or pool shutdown ending the fetch.
	ClassCanceled Class = "canceled"

	// ClassInternal represents a panic recovered while processing a fetch.
	ClassInternal Class = "internal"
)

// Error describes why a fetch produced no usable results.
type Error struct {
	Class      Class  `json:"class"`
	StatusCode int    `json:"status,omitempty"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("openfda %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openfda %s error: %s", e.Class, e.Message)
}

// Result is either a payload (Results, Meta) or an Error, never both.
type Result struct {
	Meta    json.RawMessage   `json:"meta,omitempty"`
	Results []json.RawMessage `json:"results,omitempty"`
	Error   *Error            `json:"error,omitempty"`
}

// Failed reports whether the result is error-shaped.
func (r Result) Failed() bool {
	return r.Error != nil
}

// Failure builds an error-shaped result.
func Failure(class Class, status int, message string) Result {
	return Result{Error: &Error{Class: class, StatusCode: status, Message: message}}
}

// Timeout is the result returned when the gateway stops waiting for a reply.
func Timeout(message string) Result {
	return Failure(ClassTimeout, 0, message)
}

// envelope mirrors the openFDA response body. Results is a pointer so a missing
// field can be told apart from an empty list.
type envelope struct {
	Meta    json.RawMessage    `json:"meta"`
	Results *[]json.RawMessage `json:"results"`
	Error   json.RawMessage    `json:"error"`
}

// upstreamError is the openFDA error object: {"code": "...", "message": "..."}.
type upstreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses a 2xx upstream body into a Result.
// Invalid JSON yields ClassDecode; an error field or a missing results field yields ClassSemantic.
func Decode(body []byte) Result {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Failure(ClassDecode, 0, fmt.Sprintf("decode response body: %v", err))
	}

	if len(env.Error) > 0 && !bytes.Equal(env.Error, []byte("null")) {
		return Failure(ClassSemantic, 0, ErrorMessage(env.Error))
	}

	if env.Results == nil {
		return Failure(ClassSemantic, 0, "response has no results field")
	}

	return Result{Meta: env.Meta, Results: *env.Results}
}

// ErrorMessage extracts a readable message from an upstream error value, which is
// either an object with code/message or a plain string.
func ErrorMessage(raw json.RawMessage) string {
	var obj upstreamError
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Code != "" || obj.Message != "") {
		switch {
		case obj.Code == "":
			return obj.Message
		case obj.Message == "":
			return obj.Code
		default:
			return obj.Code + ": " + obj.Message
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}

// BodyError extracts the upstream error message from a non-2xx body, if present.
func BodyError(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 {
		return ""
	}
	return ErrorMessage(env.Error)
}
