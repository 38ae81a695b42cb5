package relayspace

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrNotImplemented   = errors.New("not implemented")
)

type ConflictError struct {
	Entity           EntityID
	ExpectedRevision Revision
	CurrentRevision  Revision
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: expected %d, current %d", e.Entity, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func denied(why string) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, why)
}

func invalid(why string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, why)
}
