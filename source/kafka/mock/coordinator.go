// Package mockkafka is an in-memory kafka.Coordinator for tests. Records are
// queued per partition, rebalances are triggered by hand and every commit is
// kept for assertions.
package mockkafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdcflow/source/kafka"
)

var _ kafka.Coordinator = (*Coordinator)(nil)

// CommitCall is one partition entry of a Commit call.
type CommitCall struct {
	TopicPartition kafka.TopicPartition
	Offset         int64
}

type state int

const (
	stateNew state = iota
	stateConnected
	stateJoined
	stateSubscribed
	statePolling
	stateClosed
)

var stateNames = map[state]string{
	stateNew:        "disconnected",
	stateConnected:  "connected",
	stateJoined:     "joined",
	stateSubscribed: "subscribed",
	statePolling:    "polling",
	stateClosed:     "closed",
}

type Coordinator struct {
	mu sync.Mutex

	st       state
	groupID  string
	sub      kafka.Subscription
	listener kafka.RebalanceListener

	queues    map[kafka.TopicPartition][]kafka.ChangeRecord
	positions map[kafka.TopicPartition]int
	assigned  []kafka.TopicPartition

	committed map[kafka.TopicPartition]int64
	commits   []CommitCall

	maxPollRecords int
	emptyWait      time.Duration

	connectErr error
	pollErr    func() error
	commitErr  func(kafka.TopicPartition, int64) error
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		queues:         make(map[kafka.TopicPartition][]kafka.ChangeRecord),
		positions:      make(map[kafka.TopicPartition]int),
		committed:      make(map[kafka.TopicPartition]int64),
		maxPollRecords: 10,
		emptyWait:      time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Configure(cfg kafka.Config) error {
	if cfg.MaxPollRecords > 0 {
		c.mu.Lock()
		c.maxPollRecords = cfg.MaxPollRecords
		c.mu.Unlock()
	}
	return nil
}

func (c *Coordinator) advance(op string, want, next state) error {
	if c.st != want {
		return &kafka.InvalidStateError{Op: op, State: stateNames[c.st]}
	}
	c.st = next
	return nil
}

func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return &kafka.ConnectionError{Brokers: []string{"mock:9092"}, Err: c.connectErr}
	}
	return c.advance("connect", stateNew, stateConnected)
}

func (c *Coordinator) JoinGroup(_ context.Context, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.advance("join group", stateConnected, stateJoined); err != nil {
		return err
	}
	c.groupID = groupID
	return nil
}

// Subscribe assigns every queued partition of the topic and announces it.
func (c *Coordinator) Subscribe(sub kafka.Subscription, l kafka.RebalanceListener) error {
	c.mu.Lock()
	if err := c.advance("subscribe", stateJoined, stateSubscribed); err != nil {
		c.mu.Unlock()
		return err
	}
	c.sub, c.listener = sub, l

	var parts []kafka.TopicPartition
	for tp := range c.queues {
		if tp.Topic == sub.Topic {
			parts = append(parts, tp)
		}
	}
	sortPartitions(parts)
	c.assigned = parts
	c.mu.Unlock()

	if len(parts) > 0 && l != nil {
		l.OnAssigned(parts)
	}
	return nil
}

// Poll returns queued records round-robin across assigned partitions, in
// offset order within each partition.
func (c *Coordinator) Poll(ctx context.Context) ([]kafka.ChangeRecord, error) {
	c.mu.Lock()
	switch c.st {
	case stateSubscribed:
		c.st = statePolling
	case statePolling:
	default:
		st := c.st
		c.mu.Unlock()
		return nil, &kafka.InvalidStateError{Op: "poll", State: stateNames[st]}
	}
	if c.pollErr != nil {
		if err := c.pollErr(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}

	var out []kafka.ChangeRecord
	for len(out) < c.maxPollRecords {
		progressed := false
		for _, tp := range c.assigned {
			pos := c.positions[tp]
			if pos >= len(c.queues[tp]) {
				continue
			}
			out = append(out, c.queues[tp][pos])
			c.positions[tp] = pos + 1
			progressed = true
			if len(out) >= c.maxPollRecords {
				break
			}
		}
		if !progressed {
			break
		}
	}
	wait := c.emptyWait
	c.mu.Unlock()

	if len(out) == 0 && wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return out, nil
}

// Commit rejects partitions that are not currently assigned, as a broker
// would after a rebalance.
func (c *Coordinator) Commit(ctx context.Context, offsets map[kafka.TopicPartition]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	for tp, off := range offsets {
		if !c.isAssigned(tp) {
			return fmt.Errorf("mock: commit %s: partition not assigned", tp)
		}
		if c.commitErr != nil {
			if err := c.commitErr(tp, off); err != nil {
				return err
			}
		}
	}
	for tp, off := range offsets {
		c.commits = append(c.commits, CommitCall{TopicPartition: tp, Offset: off})
		if cur, ok := c.committed[tp]; !ok || off > cur {
			c.committed[tp] = off
		}
	}
	return nil
}

func (c *Coordinator) isAssigned(tp kafka.TopicPartition) bool {
	for _, a := range c.assigned {
		if a == tp {
			return true
		}
	}
	return false
}

func (c *Coordinator) Assignment() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafka.TopicPartition(nil), c.assigned...)
}

func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == stateClosed {
		return errors.New("mock: already closed")
	}
	c.st = stateClosed
	return nil
}

// AddRecords queues records for topic/partition. Zero offsets are numbered
// after whatever is already queued.
func (c *Coordinator) AddRecords(topic string, partition int32, records ...kafka.ChangeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tp := kafka.TopicPartition{Topic: topic, Partition: partition}
	next := int64(len(c.queues[tp]))
	if n := len(c.queues[tp]); n > 0 {
		next = c.queues[tp][n-1].Offset + 1
	}
	for i := range records {
		records[i].Topic = topic
		records[i].Partition = partition
		if records[i].Offset == 0 {
			records[i].Offset = next
		}
		next = records[i].Offset + 1
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = time.Now()
		}
	}
	c.queues[tp] = append(c.queues[tp], records...)
}

// TriggerAssign adds partitions to the assignment and announces them.
// Reading resumes after the committed offset, if any.
func (c *Coordinator) TriggerAssign(parts ...kafka.TopicPartition) {
	c.mu.Lock()
	for _, tp := range parts {
		if !c.isAssigned(tp) {
			c.assigned = append(c.assigned, tp)
		}
		c.positions[tp] = c.resumeIndex(tp)
	}
	sortPartitions(c.assigned)
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l.OnAssigned(parts)
	}
}

// TriggerRevoke announces the revocation first, while commits for the
// partitions are still accepted, then drops them from the assignment.
func (c *Coordinator) TriggerRevoke(parts ...kafka.TopicPartition) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l.OnRevoked(parts)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.assigned[:0]
	for _, a := range c.assigned {
		revoked := false
		for _, p := range parts {
			if a == p {
				revoked = true
				break
			}
		}
		if !revoked {
			kept = append(kept, a)
		}
	}
	c.assigned = kept
}

func (c *Coordinator) resumeIndex(tp kafka.TopicPartition) int {
	off, ok := c.committed[tp]
	if !ok {
		return 0
	}
	for i, r := range c.queues[tp] {
		if r.Offset > off {
			return i
		}
	}
	return len(c.queues[tp])
}

// SetPollError makes every Poll fail with err; nil clears it.
func (c *Coordinator) SetPollError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.pollErr = nil
		return
	}
	c.pollErr = func() error { return err }
}

// SetCommitErrorFunc decides per partition whether a Commit fails.
func (c *Coordinator) SetCommitErrorFunc(fn func(kafka.TopicPartition, int64) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErr = fn
}

// Commits returns every accepted commit entry in call order.
func (c *Coordinator) Commits() []CommitCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CommitCall(nil), c.commits...)
}

// CommitsFor returns the committed offsets of one partition in call order.
func (c *Coordinator) CommitsFor(tp kafka.TopicPartition) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, cc := range c.commits {
		if cc.TopicPartition == tp {
			out = append(out, cc.Offset)
		}
	}
	return out
}

func (c *Coordinator) Committed(tp kafka.TopicPartition) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[tp]
	return off, ok
}

// SetCommitted stores off as the group's committed offset for tp without
// recording a commit, as if another member had committed it.
func (c *Coordinator) SetCommitted(tp kafka.TopicPartition, off int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed[tp] = off
}

func (c *Coordinator) GroupID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupID
}

func (c *Coordinator) Subscription() kafka.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// Drained reports whether every assigned partition has been fully polled.
func (c *Coordinator) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range c.assigned {
		if c.positions[tp] < len(c.queues[tp]) {
			return false
		}
	}
	return true
}

func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateClosed
}

func sortPartitions(tps []kafka.TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}
