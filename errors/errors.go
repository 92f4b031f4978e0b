// Package errors defines the structured error type and failure
// classifications used throughout the module.
package errors

import (
	"errors"
	"fmt"
)

// Class classifies failures so callers can choose a recovery strategy
// (retry, escalate, surface) without string matching.
type Class string

const (
	// ClassInvalidRequest marks malformed parameters; never retried.
	ClassInvalidRequest Class = "invalid_request"
	// ClassTimeout marks an operation that exceeded its budget; retried
	// once with backoff before surfacing.
	ClassTimeout Class = "timeout"
	// ClassServiceUnavailable marks an unreachable remote endpoint; fails
	// fast so a dead service does not cause a retry storm.
	ClassServiceUnavailable Class = "service_unavailable"
	// ClassWorkerFailure marks a crashed local execution; the pool
	// recovers and the executor escalates to the remote path once.
	ClassWorkerFailure Class = "worker_failure"
	// ClassSourceUnavailable marks a source reference that could not be
	// resolved to bytes or a URL.
	ClassSourceUnavailable Class = "source_unavailable"
	// ClassCanceled marks work abandoned because the caller released
	// interest.
	ClassCanceled Class = "canceled"
	// ClassInternal is the catch-all for everything else.
	ClassInternal Class = "internal"
)

// DeliveryError is the structured error type used throughout the module.
type DeliveryError struct {
	Class     Class
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Class, e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// New creates a non-retryable DeliveryError.
func New(class Class, op string, err error) *DeliveryError {
	return &DeliveryError{Class: class, Op: op, Err: err}
}

// Transient creates a retryable DeliveryError classified as a timeout.
func Transient(op string, err error) *DeliveryError {
	return &DeliveryError{Class: ClassTimeout, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.  An already classified error
// keeps its original classification.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	if asDelivery(err) != nil {
		return err
	}
	return New(class, op, err)
}

// Classify returns the Class of err, or ClassInternal when err carries no
// classification.
func Classify(err error) Class {
	if de := asDelivery(err); de != nil {
		return de.Class
	}
	return ClassInternal
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	if de := asDelivery(err); de != nil {
		return de.Retryable
	}
	return false
}

// IsClass reports whether err belongs to the given classification.
func IsClass(err error, class Class) bool {
	if de := asDelivery(err); de != nil {
		return de.Class == class
	}
	return false
}

func asDelivery(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat    = errors.New("unsupported image format")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidDimensions    = errors.New("invalid dimensions")
	ErrEmptyInput           = errors.New("empty input")
	ErrQueueFull            = errors.New("worker queue full")
	ErrPoolClosed           = errors.New("worker pool closed")
	ErrForegroundNotFound   = errors.New("foreground not found")
	ErrEngineClosed         = errors.New("engine closed")
	ErrNotStored            = errors.New("artifact not in store")
)
