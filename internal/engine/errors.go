package engine

import (
	"errors"
	"fmt"

	"fleetinspect/internal/remote"
	"fleetinspect/internal/syncq"
)

var (
	ErrNoSession         = errors.New("no inspection in progress")
	ErrSessionInProgress = errors.New("an inspection is already in progress")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNoCurrentItem     = errors.New("no current item")
	ErrNoTemplate        = errors.New("no active inspection template")
	ErrPhotoRequired     = errors.New("photo required")
	ErrIncompleteItems   = errors.New("incomplete items")
	// ErrStale is returned when the session changed while a remote call was in flight.
	ErrStale             = errors.New("session changed during the request")
	ErrRemoteUnavailable = syncq.ErrRemoteUnavailable
)

// ValidationError is user-correctable input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PhotoRequiredError redirects the user to the photo step of one item.
type PhotoRequiredError struct {
	Index  int
	ItemID int64
	Name   string
}

func (e *PhotoRequiredError) Error() string {
	return fmt.Sprintf("photo required for item %q", e.Name)
}

func (e *PhotoRequiredError) Is(target error) bool { return target == ErrPhotoRequired }

// IncompleteItemsError is returned by Advance at the end of the list while
// items are still unset. The cursor has moved to FirstIndex.
type IncompleteItemsError struct {
	Count      int
	FirstIndex int
}

func (e *IncompleteItemsError) Error() string {
	return fmt.Sprintf("%d items without status, first at position %d", e.Count, e.FirstIndex+1)
}

func (e *IncompleteItemsError) Is(target error) bool { return target == ErrIncompleteItems }

// RejectionError is a business rule failure reported by the backend.
type RejectionError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Reason, e.Message)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// NoTemplateError carries the backend message behind ErrNoTemplate.
type NoTemplateError struct {
	Message string
}

func (e *NoTemplateError) Error() string {
	if e.Message == "" {
		return ErrNoTemplate.Error()
	}
	return fmt.Sprintf("%s: %s", ErrNoTemplate, e.Message)
}

func (e *NoTemplateError) Is(target error) bool { return target == ErrNoTemplate }

// classify maps remote failures into the engine's taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	var rej *syncq.RejectedError
	if errors.As(err, &rej) {
		msg := remote.DomainMessage(err)
		return &RejectionError{Reason: ClassifyReason(msg), Message: msg, Err: err}
	}
	switch {
	case remote.IsTransport(err):
		return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	case remote.IsDomain(err):
		msg := remote.DomainMessage(err)
		return &RejectionError{Reason: ClassifyReason(msg), Message: msg, Err: err}
	}
	return err
}
