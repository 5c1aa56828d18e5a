package mockkafka

import "time"

type Option func(*Coordinator)

// WithMaxPollRecords caps how many records one Poll returns.
func WithMaxPollRecords(n int) Option {
	return func(c *Coordinator) {
		c.maxPollRecords = n
	}
}

// WithEmptyPollWait sets how long Poll blocks when nothing is queued.
func WithEmptyPollWait(d time.Duration) Option {
	return func(c *Coordinator) {
		c.emptyWait = d
	}
}

// WithConnectError makes Connect fail with err.
func WithConnectError(err error) Option {
	return func(c *Coordinator) {
		c.connectErr = err
	}
}
