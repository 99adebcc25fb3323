package models

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is against these; *Error unwraps to one of them.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrConsistency      = errors.New("consistency violation")
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "VALIDATION"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindCapacityExceeded ErrorKind = "CAPACITY_EXCEEDED"
	KindConsistency      ErrorKind = "CONSISTENCY"
)

// Error carries the failing operation and a human readable detail.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Op     string    `json:"op,omitempty"`
	Detail string    `json:"detail"`
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindCapacityExceeded:
		return ErrCapacityExceeded
	case KindConsistency:
		return ErrConsistency
	}
	return nil
}

func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func NotFoundf(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func CapacityExceededf(op, format string, args ...any) *Error {
	return &Error{Kind: KindCapacityExceeded, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func Consistencyf(op, format string, args ...any) *Error {
	return &Error{Kind: KindConsistency, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a missing loan, payment, installment or reversal target.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError reports whether err was caused by invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}
