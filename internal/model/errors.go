package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure classification for sync errors.
//
// Transient failures (timeouts, rate limits, connection resets) go back
// through the retry queue with backoff. Permanent failures (malformed
// records, unmappable content) go straight to the dead-letter log and
// are never retried.
type ErrorClass int

const (
	// ClassTransient marks an error worth retrying with backoff.
	ClassTransient ErrorClass = iota
	// ClassPermanent marks an error that retrying cannot fix.
	ClassPermanent
)

// String returns a human-readable representation of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type classifiedError struct {
	class ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient wraps err and marks it transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// Transientf formats and marks a transient error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanent wraps err and marks it permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassPermanent, err: err}
}

// Permanentf formats and marks a permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify determines how a sync failure should be handled.
//
// Explicit markers win. Otherwise network errors, timeouts, and context
// deadlines classify transient; everything unrecognized also defaults
// to transient, because the retry cap plus the dead-letter path bounds
// the damage of retrying a permanent error, while dropping a transient
// one would lose data until the next reconciliation sweep.
func Classify(err error) ErrorClass {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassTransient
}
