package remote

import (
	"errors"
	"fmt"
)

// ErrSchema marks a response whose shape does not match the expected record.
var ErrSchema = errors.New("unexpected response shape")

// TransportError is a failure to reach the backend or read its envelope.
// It is always safe to retry.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DomainError is a business-rule rejection reported by the backend.
type DomainError struct {
	Model   string
	Method  string
	Name    string
	Message string
}

func (e *DomainError) Error() string {
	if e.Model == "" {
		return e.Message
	}
	return fmt.Sprintf("%s.%s rejected: %s", e.Model, e.Method, e.Message)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsDomain(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// DomainMessage returns the backend message carried by err, if any.
func DomainMessage(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}

func schemaError(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrSchema, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrSchema, what, err)
}
