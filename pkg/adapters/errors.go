package adapters

import (
	"errors"
	"fmt"
)

// TransportError means the request never produced a readable response.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the service answered with a non-2xx status code.
// Body holds at most the first KiB of the response.
type ProtocolError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: http status %d: %s", e.URL, e.StatusCode, e.Body)
}

// DecodeError means the response body was not the expected shape.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind classifies err as "transport", "protocol", "decode" or "other".
// It is used for metric labels and log fields.
func Kind(err error) string {
	var (
		te *TransportError
		pe *ProtocolError
		de *DecodeError
	)
	switch {
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &de):
		return "decode"
	default:
		return "other"
	}
}
