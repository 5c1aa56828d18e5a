package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/sink"
	"cdcflow/source/kafka"
	mockkafka "cdcflow/source/kafka/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "ticdc-testdb-users"

var (
	p0 = kafka.TopicPartition{Topic: topic, Partition: 0}
	p1 = kafka.TopicPartition{Topic: topic, Partition: 1}
)

// recordingSink keeps every accepted event; fail decides per attempt
// whether Deliver errors instead.
type recordingSink struct {
	name string

	mu       sync.Mutex
	events   []decode.Event
	attempts map[int64]int
	fail     func(ev decode.Event, attempt int) error
	onCall   func(ev decode.Event)
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, attempts: make(map[int64]int)}
}

func (s *recordingSink) Name() string        { return s.name }
func (s *recordingSink) Configure(any) error { return nil }
func (s *recordingSink) Close() error        { return nil }

func (s *recordingSink) Deliver(_ context.Context, ev decode.Event) error {
	s.mu.Lock()
	s.attempts[ev.Offset]++
	n := s.attempts[ev.Offset]
	fail, onCall := s.fail, s.onCall
	s.mu.Unlock()

	if onCall != nil {
		onCall(ev)
	}
	if fail != nil {
		if err := fail(ev, n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Events() []decode.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]decode.Event(nil), s.events...)
}

func (s *recordingSink) Attempts(offset int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[offset]
}

func offsetsOf(evs []decode.Event, p int32) []int64 {
	var out []int64
	for _, ev := range evs {
		if ev.Partition == p {
			out = append(out, ev.Offset)
		}
	}
	return out
}

func textRecords(n int) []kafka.ChangeRecord {
	recs := make([]kafka.ChangeRecord, n)
	for i := range recs {
		recs[i] = kafka.ChangeRecord{Key: []byte(fmt.Sprint(i)), Value: []byte(fmt.Sprintf(`{"n":%d}`, i))}
	}
	return recs
}

func testOptions() Options {
	return Options{
		GroupID:      "cdc-group",
		Subscription: kafka.Subscription{Topic: topic, StartFrom: kafka.FromEarliest},
		Retry:        RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}
}

// start runs d in the background; the returned func cancels and waits.
func start(t *testing.T, d *Driver) (stop func() error, done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- d.Run(ctx) }()
	t.Cleanup(cancel)
	return func() error {
		cancel()
		select {
		case err := <-ch:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("driver did not stop")
			return nil
		}
	}, ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func TestRun_DeliversInOrderAndCommitsPerBatch(t *testing.T) {
	coord := mockkafka.NewCoordinator(mockkafka.WithMaxPollRecords(4))
	coord.AddRecords(topic, 0, textRecords(10)...)
	coord.AddRecords(topic, 1, textRecords(6)...)
	rs := newRecordingSink("rec")

	d := New(coord, testOptions(), rs)
	stop, _ := start(t, d)

	waitFor(t, func() bool {
		off0, ok0 := coord.Committed(p0)
		off1, ok1 := coord.Committed(p1)
		return ok0 && ok1 && off0 == 9 && off1 == 5
	})
	require.NoError(t, stop())

	evs := rs.Events()
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, offsetsOf(evs, 0))
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, offsetsOf(evs, 1))

	// Commits never regress.
	for _, tp := range []kafka.TopicPartition{p0, p1} {
		prev := int64(-1)
		for _, off := range coord.CommitsFor(tp) {
			assert.Greater(t, off, prev, "commit for %s regressed", tp)
			prev = off
		}
	}
	assert.Equal(t, StateStopped, d.State())
	assert.True(t, coord.Closed())
	assert.Equal(t, "cdc-group", coord.GroupID())
	assert.Equal(t, topic, coord.Subscription().Topic)
}

func TestRun_AliceCommittedOnlyAfterEmission(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, kafka.ChangeRecord{
		Offset: 5, Key: []byte("42"), Value: []byte(`{"id":42,"name":"Alice"}`),
	})
	rs := newRecordingSink("rec")
	var sawCommitAhead bool
	rs.onCall = func(ev decode.Event) {
		if off, ok := coord.Committed(ev.TopicPartition()); ok && off >= ev.Offset {
			sawCommitAhead = true
		}
	}

	d := New(coord, testOptions(), rs)
	stop, _ := start(t, d)
	waitFor(t, func() bool { off, ok := coord.Committed(p0); return ok && off == 5 })
	require.NoError(t, stop())

	assert.False(t, sawCommitAhead)
	evs := rs.Events()
	require.Len(t, evs, 1)
	key, _ := evs[0].Key.Text()
	val, _ := evs[0].Value.Text()
	assert.Equal(t, "42", key)
	assert.Equal(t, `{"id":42,"name":"Alice"}`, val)
	assert.Equal(t, []int64{5}, coord.CommitsFor(p0))
}

func TestRun_TombstoneAndRawPayload(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0,
		kafka.ChangeRecord{Key: []byte("42")},
		kafka.ChangeRecord{Value: []byte{0xff, 0xfe, 0x00}},
	)
	rs := newRecordingSink("rec")
	d := New(coord, testOptions(), rs)
	stop, _ := start(t, d)
	waitFor(t, func() bool { off, ok := coord.Committed(p0); return ok && off == 1 })
	require.NoError(t, stop())

	evs := rs.Events()
	require.Len(t, evs, 2)
	assert.True(t, evs[0].Tombstone())
	assert.Equal(t, decode.Absent, evs[1].Key.Kind())
	assert.Equal(t, decode.Raw, evs[1].Value.Kind())
	assert.Equal(t, []byte{0xff, 0xfe, 0x00}, evs[1].Value.Bytes())
}

func TestRun_TransientFailureRetriesSameRecord(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, textRecords(3)...)
	flaky := newRecordingSink("flaky")
	flaky.fail = func(ev decode.Event, attempt int) error {
		if ev.Offset == 1 && attempt < 3 {
			return sink.Transient(errors.New("downstream busy"))
		}
		return nil
	}
	steady := newRecordingSink("steady")

	d := New(coord, testOptions(), steady, flaky)
	stop, _ := start(t, d)
	waitFor(t, func() bool { off, ok := coord.Committed(p0); return ok && off == 2 })
	require.NoError(t, stop())

	assert.Equal(t, []int64{0, 1, 2}, offsetsOf(flaky.Events(), 0))
	assert.Equal(t, 3, flaky.Attempts(1))
	// The sink that already took the record is not asked again.
	assert.Equal(t, 1, steady.Attempts(1))
	assert.Equal(t, []int64{0, 1, 2}, offsetsOf(steady.Events(), 0))
}

func TestRun_RevokeDuringRetryFlushesDeliveredPrefix(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, textRecords(10)...)
	rs := newRecordingSink("rec")
	rs.fail = func(ev decode.Event, _ int) error {
		if ev.Offset == 7 {
			return sink.Transient(errors.New("unavailable"))
		}
		return nil
	}
	var states []State
	var smu sync.Mutex
	opts := testOptions()
	opts.OnStateChange = func(_, to State) {
		smu.Lock()
		states = append(states, to)
		smu.Unlock()
	}

	d := New(coord, opts, rs)
	stop, _ := start(t, d)
	waitFor(t, func() bool { return rs.Attempts(7) >= 2 })

	coord.TriggerRevoke(p0)
	assert.Equal(t, StateRebalancePause, d.State())
	waitFor(t, coord.Drained)
	require.NoError(t, stop())

	assert.Equal(t, []int64{6}, coord.CommitsFor(p0))
	off, ok := coord.Committed(p0)
	require.True(t, ok)
	assert.Equal(t, int64(6), off)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, offsetsOf(rs.Events(), 0))
	// Records after the fenced one never reach the sink.
	assert.Zero(t, rs.Attempts(8))

	smu.Lock()
	defer smu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateJoining, StateSubscribed, StatePolling, StateRebalancePause, StateStopped}, states)
}

func TestRun_ReassignResumesAfterCommitted(t *testing.T) {
	coord := mockkafka.NewCoordinator(mockkafka.WithMaxPollRecords(2))
	coord.AddRecords(topic, 0, textRecords(6)...)
	rs := newRecordingSink("rec")
	block := make(chan struct{})
	var once sync.Once
	rs.onCall = func(ev decode.Event) {
		if ev.Offset == 3 {
			once.Do(func() { <-block })
		}
	}

	d := New(coord, testOptions(), rs)
	stop, _ := start(t, d)
	waitFor(t, func() bool { return rs.Attempts(3) == 1 })

	// Revocation waits for the in-flight attempt, then commits through 3.
	revoked := make(chan struct{})
	go func() {
		coord.TriggerRevoke(p0)
		close(revoked)
	}()
	waitFor(t, func() bool { return d.State() == StateRebalancePause })
	close(block)
	<-revoked
	coord.TriggerAssign(p0)
	assert.Equal(t, StatePolling, d.State())

	waitFor(t, func() bool { off, ok := coord.Committed(p0); return ok && off == 5 })
	require.NoError(t, stop())

	offs := offsetsOf(rs.Events(), 0)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, offs)
}

// inlineRebalance runs rebalance callbacks on the polling goroutine, the
// way franz-go may: beforeFetch once before the first fetch, afterFetch once
// after the first non-empty one.
type inlineRebalance struct {
	*mockkafka.Coordinator
	beforeFetch func()
	afterFetch  func()
}

func (c *inlineRebalance) Poll(ctx context.Context) ([]kafka.ChangeRecord, error) {
	if fn := c.beforeFetch; fn != nil {
		c.beforeFetch = nil
		fn()
	}
	recs, err := c.Coordinator.Poll(ctx)
	if fn := c.afterFetch; fn != nil && len(recs) > 0 {
		c.afterFetch = nil
		fn()
	}
	return recs, err
}

func TestRun_RebalanceDuringPollFencesFetchedBatch(t *testing.T) {
	inner := mockkafka.NewCoordinator(mockkafka.WithMaxPollRecords(5))
	inner.AddRecords(topic, 0, textRecords(10)...)
	coord := &inlineRebalance{Coordinator: inner}
	// Offsets 0..4 are fetched, then p0 moves away, another member commits
	// through 7 and p0 comes back before Poll returns.
	coord.afterFetch = func() {
		inner.TriggerRevoke(p0)
		inner.SetCommitted(p0, 7)
		inner.TriggerAssign(p0)
	}
	rs := newRecordingSink("rec")

	d := New(coord, testOptions(), rs)
	stop, _ := start(t, d)
	waitFor(t, func() bool { off, ok := inner.Committed(p0); return ok && off == 9 })
	require.NoError(t, stop())

	assert.Equal(t, []int64{8, 9}, offsetsOf(rs.Events(), 0))
	assert.Equal(t, []int64{9}, inner.CommitsFor(p0), "commit moved below the group's offset")
}

func TestRun_AssignmentDuringPollDelivers(t *testing.T) {
	inner := mockkafka.NewCoordinator()
	coord := &inlineRebalance{Coordinator: inner}
	coord.beforeFetch = func() {
		inner.AddRecords(topic, 0, textRecords(3)...)
		inner.TriggerAssign(p0)
	}
	rs := newRecordingSink("rec")

	d := New(coord, testOptions(), rs)
	stop, _ := start(t, d)
	waitFor(t, func() bool { off, ok := inner.Committed(p0); return ok && off == 2 })
	require.NoError(t, stop())

	assert.Equal(t, []int64{0, 1, 2}, offsetsOf(rs.Events(), 0))
}

func TestRun_FatalSinkErrorFails(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, textRecords(4)...)
	rs := newRecordingSink("rec")
	rs.fail = func(ev decode.Event, _ int) error {
		if ev.Offset == 2 {
			return sink.Fatal(errors.New("constraint violated"))
		}
		return nil
	}

	d := New(coord, testOptions(), rs)
	_, done := start(t, d)

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not fail")
	}
	require.Error(t, err)
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, int64(2), derr.Offset)
	assert.Equal(t, "rec", derr.Sink)
	assert.Equal(t, sink.ClassFatal, sink.Classify(err))
	assert.Equal(t, StateFailed, d.State())
	assert.Empty(t, coord.Commits(), "no commit after a fatal error")
	assert.Equal(t, 1, rs.Attempts(2))
	assert.Zero(t, rs.Attempts(3))
}

func TestRun_UnclassifiedErrorIsFatal(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, textRecords(1)...)
	rs := newRecordingSink("rec")
	rs.fail = func(decode.Event, int) error { return errors.New("boom") }

	d := New(coord, testOptions(), rs)
	_, done := start(t, d)
	err := <-done
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, rs.Attempts(0))
	assert.Equal(t, StateFailed, d.State())
}

func TestRun_RetriesExhausted(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, textRecords(2)...)
	rs := newRecordingSink("rec")
	rs.fail = func(ev decode.Event, _ int) error {
		if ev.Offset == 1 {
			return sink.Transient(errors.New("timeout"))
		}
		return nil
	}
	opts := testOptions()
	opts.Retry.MaxAttempts = 3

	d := New(coord, opts, rs)
	_, done := start(t, d)
	err := <-done
	require.ErrorIs(t, err, ErrRetriesExhausted)
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, int64(1), derr.Offset)
	assert.Equal(t, 3, rs.Attempts(1))
	assert.Equal(t, StateFailed, d.State())
	_, committed := coord.Committed(p0)
	assert.False(t, committed)
}

func TestRun_PollConnectionErrorFails(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.SetPollError(&kafka.ConnectionError{Brokers: []string{"kafka:9092"}, Err: errors.New("broker gone")})
	d := New(coord, testOptions(), newRecordingSink("rec"))

	_, done := start(t, d)
	err := <-done
	var cerr *kafka.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StateFailed, d.State())
}

func TestRun_ConnectErrorFails(t *testing.T) {
	coord := mockkafka.NewCoordinator(mockkafka.WithConnectError(errors.New("dial tcp: refused")))
	d := New(coord, testOptions(), newRecordingSink("rec"))

	err := d.Run(context.Background())
	var cerr *kafka.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StateFailed, d.State())
}

func TestRun_CommitFailureKeepsOffsetsPending(t *testing.T) {
	coord := mockkafka.NewCoordinator(mockkafka.WithMaxPollRecords(2))
	coord.AddRecords(topic, 0, textRecords(2)...)
	var fails int
	var fmu sync.Mutex
	coord.SetCommitErrorFunc(func(kafka.TopicPartition, int64) error {
		fmu.Lock()
		defer fmu.Unlock()
		if fails == 0 {
			fails++
			return errors.New("coordinator moved")
		}
		return nil
	})
	d := New(coord, testOptions(), newRecordingSink("rec"))
	stop, _ := start(t, d)

	waitFor(t, coord.Drained)
	coord.AddRecords(topic, 0, textRecords(1)...)
	waitFor(t, func() bool { off, ok := coord.Committed(p0); return ok && off == 2 })
	require.NoError(t, stop())
	assert.Equal(t, StateStopped, d.State())
}

func TestRun_RecordCommitMode(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, textRecords(3)...)
	opts := testOptions()
	opts.CommitMode = CommitRecord

	d := New(coord, opts, newRecordingSink("rec"))
	stop, _ := start(t, d)
	waitFor(t, func() bool { off, ok := coord.Committed(p0); return ok && off == 2 })
	require.NoError(t, stop())
	assert.Equal(t, []int64{0, 1, 2}, coord.CommitsFor(p0))
}

func TestRun_StopCommitsOnlyDeliveredPrefix(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords(topic, 0, textRecords(5)...)
	rs := newRecordingSink("rec")
	ctx, cancel := context.WithCancel(context.Background())
	rs.onCall = func(ev decode.Event) {
		if ev.Offset == 2 {
			cancel()
		}
	}

	d := New(coord, testOptions(), rs)
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, StateStopped, d.State())
	// The in-flight record finishes; nothing after it is delivered.
	assert.Equal(t, []int64{0, 1, 2}, offsetsOf(rs.Events(), 0))
	assert.Equal(t, []int64{2}, coord.CommitsFor(p0))
}

func TestRun_SecondRunRejected(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	d := New(coord, testOptions(), newRecordingSink("rec"))
	stop, _ := start(t, d)
	waitFor(t, func() bool { return d.State() == StatePolling })

	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyStarted)
	require.NoError(t, stop())
}

func TestRun_NoSink(t *testing.T) {
	d := New(mockkafka.NewCoordinator(), testOptions())
	require.Error(t, d.Run(context.Background()))
	assert.Equal(t, StateIdle, d.State())
}

func TestParseCommitMode(t *testing.T) {
	m, err := ParseCommitMode("")
	require.NoError(t, err)
	assert.Equal(t, CommitBatch, m)

	m, err = ParseCommitMode(" RECORD ")
	require.NoError(t, err)
	assert.Equal(t, CommitRecord, m)

	_, err = ParseCommitMode("every-now-and-then")
	assert.Error(t, err)
}
