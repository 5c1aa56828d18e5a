package kafka

import (
	"fmt"
	"strings"
)

// ConnectionError reports that no broker of the bootstrap set could be
// reached, or that the transport gave up after its own retries.
type ConnectionError struct {
	Brokers []string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("kafka: connect %s: %v", strings.Join(e.Brokers, ","), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidStateError is a call-ordering mistake, e.g. subscribing after
// polling has begun.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("kafka: %s not allowed while %s", e.Op, e.State)
}
