package store

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
	ErrCounterBusy    = errors.New("counter busy")
	ErrUnavailable    = errors.New("unavailable")
	ErrForbidden      = errors.New("forbidden")
)

var (
	ErrUnknownService  = fmt.Errorf("%w: unknown service type", ErrInvalidRequest)
	ErrUnknownPriority = fmt.Errorf("%w: unknown priority", ErrInvalidRequest)
	ErrDuplicateActive = fmt.Errorf("%w: customer already holds an active token for this service", ErrInvalidRequest)
	ErrTokenNotFound   = fmt.Errorf("%w: token not found", ErrInvalidRequest)
	ErrCounterNotFound = fmt.Errorf("%w: counter not found", ErrInvalidRequest)
	ErrVersionConflict = fmt.Errorf("%w: record changed concurrently", ErrConflict)
	ErrLockTimeout     = fmt.Errorf("%w: lock wait timed out", ErrUnavailable)
	ErrNotTokenOwner   = fmt.Errorf("%w: token belongs to another customer", ErrForbidden)
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrCounterNotFound)
}

// Unavailable wraps a collaborator failure unless it already carries a domain error.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrConflict) || errors.Is(err, ErrCounterBusy) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrForbidden) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
