package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryInitialInterval = 100 * time.Millisecond
	DefaultRetryMaxInterval     = 30 * time.Second
)

// RetryPolicy bounds how a record is redelivered after a transient sink
// failure. MaxAttempts counts every attempt, the first included; zero
// retries until the sink recovers or the pipeline stops.
type RetryPolicy struct {
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
	MaxAttempts     int           `koanf:"max_attempts"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
