package sink

import (
	"context"
	"errors"
)

type Class int

const (
	// ClassFatal is also the class of anything unclassified.
	ClassFatal Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

// TransientError means the same event may succeed if delivered again.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient sink error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError means continuing risks corrupting the downstream store.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "fatal sink error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Classify reports how the pipeline should treat err. A FatalError wins
// over a TransientError found deeper in the chain.
func Classify(err error) Class {
	var fe *FatalError
	if errors.As(err, &fe) {
		return ClassFatal
	}
	var te *TransientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	return ClassFatal
}

func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// ContextDone reports a delivery that stopped because ctx ended; callers
// treat it as neither success nor sink failure.
func ContextDone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
