package client

import (
	"errors"
	"fmt"
)

// ErrNotObject is wrapped by DecodeError when the payload decodes to
// something other than a JSON object.
var ErrNotObject = errors.New("payload is not a JSON object")

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents payloads that are not JSON objects.
	ErrorClassDecode ErrorClass = "decode"
)

// NetworkError is returned when a fetch fails in transport or with an HTTP
// error status.
type NetworkError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d)", e.URL, e.Class, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a response body is not a JSON object.
type DecodeError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP error status to its class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
