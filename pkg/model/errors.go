package model

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a record is absent or logically expired
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned when a caller passes arguments the operation cannot accept
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrGone is returned by a push gateway when the target connection no longer exists
	ErrGone = errors.New("connection gone")
	// ErrCanceled is returned when the operation is canceled by the caller
	ErrCanceled = errors.New("operation canceled")
)

// WrapError wraps storage errors to model errors.
// It converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
// It checks both direct context errors and wrapped errors (e.g., from the MongoDB driver).
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
