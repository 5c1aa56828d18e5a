package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrRetriesExhausted = errors.New("pipeline: retry budget exhausted")
	ErrAlreadyStarted   = errors.New("pipeline: driver already started")

	// errFenced marks a record whose partition was revoked mid-batch.
	errFenced = errors.New("pipeline: partition revoked")
	// errStopping unwinds the batch loop on shutdown.
	errStopping = errors.New("pipeline: stopping")
)

// DeliveryError carries the coordinates of the record a sink failed on.
type DeliveryError struct {
	Topic     string
	Partition int32
	Offset    int64
	Sink      string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s[%d]@%d to %s: %v", e.Topic, e.Partition, e.Offset, e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
