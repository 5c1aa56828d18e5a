package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/internal/logging"
	"cdcflow/internal/telemetry"
	"cdcflow/sink"
	"cdcflow/source/kafka"

	"github.com/cenkalti/backoff/v4"
)

type CommitMode string

const (
	CommitBatch  CommitMode = "batch"
	CommitRecord CommitMode = "record"
)

func ParseCommitMode(s string) (CommitMode, error) {
	switch CommitMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", CommitBatch:
		return CommitBatch, nil
	case CommitRecord:
		return CommitRecord, nil
	default:
		return "", fmt.Errorf("pipeline: unknown commit mode %q", s)
	}
}

const commitTimeout = 10 * time.Second

type Options struct {
	GroupID      string
	Subscription kafka.Subscription
	CommitMode   CommitMode
	Retry        RetryPolicy

	// OnStateChange runs synchronously on every transition. It must not
	// call back into the driver.
	OnStateChange func(from, to State)
}

var _ kafka.RebalanceListener = (*Driver)(nil)

// Driver runs the fetch, decode, deliver, commit loop over one
// coordinator. Rebalance callbacks arrive on the coordinator's goroutine
// and take mu, which the loop holds only for one delivery attempt or one
// commit at a time.
type Driver struct {
	coord kafka.Coordinator
	sinks []sink.Adapter
	names []string
	opts  Options

	state atomic.Int32

	mu     sync.Mutex
	cursor *Cursor
	halted bool

	// revokes counts revocations; revokedAt holds its value at the last
	// revocation of each partition. A batch may deliver to tp only while
	// tp is assigned and revokedAt[tp] is not newer than the count read
	// before the batch was polled.
	revokes   uint64
	revokedAt map[kafka.TopicPartition]uint64
	assigned  map[kafka.TopicPartition]struct{}
}

func New(coord kafka.Coordinator, opts Options, sinks ...sink.Adapter) *Driver {
	if opts.CommitMode == "" {
		opts.CommitMode = CommitBatch
	}
	opts.Retry = opts.Retry.withDefaults()
	d := &Driver{
		coord:     coord,
		opts:      opts,
		cursor:    NewCursor(),
		revokedAt: make(map[kafka.TopicPartition]uint64),
		assigned:  make(map[kafka.TopicPartition]struct{}),
	}
	for _, s := range sinks {
		d.AddSink(s)
	}
	return d
}

func (d *Driver) AddSink(s sink.Adapter) {
	d.sinks = append(d.sinks, s)
	d.names = append(d.names, sink.NameOf(s))
}

func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) transition(from, to State) bool {
	if !d.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	telemetry.PipelineState.Set(float64(to))
	logging.L().Debug("pipeline state", "from", from.String(), "to", to.String())
	if d.opts.OnStateChange != nil {
		d.opts.OnStateChange(from, to)
	}
	return true
}

func (d *Driver) moveTo(to State) {
	d.transition(d.State(), to)
}

// Run drives the pipeline until ctx ends (nil, Stopped) or an
// unrecoverable error occurs (the error, Failed). The coordinator is
// closed on return.
func (d *Driver) Run(ctx context.Context) error {
	if len(d.sinks) == 0 {
		return errors.New("pipeline: no sink configured")
	}
	if !d.transition(StateIdle, StateConnecting) {
		return ErrAlreadyStarted
	}
	log := logging.L().With("group", d.opts.GroupID, "topic", d.opts.Subscription.Topic)

	if err := d.coord.Connect(ctx); err != nil {
		return d.fail(log, fmt.Errorf("pipeline: connect: %w", err))
	}
	d.transition(StateConnecting, StateJoining)
	if err := d.coord.JoinGroup(ctx, d.opts.GroupID); err != nil {
		return d.fail(log, fmt.Errorf("pipeline: join group: %w", err))
	}
	if err := d.coord.Subscribe(d.opts.Subscription, d); err != nil {
		return d.fail(log, fmt.Errorf("pipeline: subscribe: %w", err))
	}
	d.transition(StateJoining, StateSubscribed)
	d.transition(StateSubscribed, StatePolling)
	log.Info("pipeline polling", "sinks", strings.Join(d.names, ","), "commit_mode", string(d.opts.CommitMode))

	for {
		if ctx.Err() != nil {
			return d.stop(ctx, log)
		}
		// Read before polling: a rebalance may run while Poll waits.
		fetched := d.revokeCount()
		recs, err := d.coord.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return d.stop(ctx, log)
			}
			return d.fail(log, fmt.Errorf("pipeline: poll: %w", err))
		}
		if len(recs) == 0 {
			continue
		}
		if err := d.processBatch(ctx, fetched, recs); err != nil {
			if errors.Is(err, errStopping) {
				return d.stop(ctx, log)
			}
			return d.fail(log, err)
		}
	}
}

func (d *Driver) revokeCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revokes
}

func (d *Driver) processBatch(ctx context.Context, fetched uint64, recs []kafka.ChangeRecord) error {
	for _, rec := range recs {
		if ctx.Err() != nil {
			return errStopping
		}
		ev := decode.Record(rec)
		ok, err := d.deliver(ctx, fetched, ev)
		if err != nil {
			return err
		}
		if !ok {
			telemetry.RecordsSkipped.WithLabelValues(ev.Topic).Inc()
			continue
		}
		telemetry.RecordsDelivered.WithLabelValues(ev.Topic, telemetry.PartitionLabel(ev.Partition)).Inc()
		if d.opts.CommitMode == CommitRecord {
			d.commit(ctx, "record")
		}
	}
	if d.opts.CommitMode == CommitBatch {
		d.commit(ctx, "batch")
	}
	return nil
}

// deliver hands ev to every sink, retrying transient failures. It reports
// false when the partition was revoked before the record got through.
func (d *Driver) deliver(ctx context.Context, fetched uint64, ev decode.Event) (bool, error) {
	tp := ev.TopicPartition()
	done := make([]bool, len(d.sinks))
	// A started attempt runs to completion even if ctx ends meanwhile.
	attemptCtx := context.WithoutCancel(ctx)

	op := func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.owns(tp, fetched) {
			return backoff.Permanent(errFenced)
		}
		for i, s := range d.sinks {
			if done[i] {
				continue
			}
			start := time.Now()
			err := s.Deliver(attemptCtx, ev)
			telemetry.DeliveryDuration.WithLabelValues(d.names[i]).Observe(time.Since(start).Seconds())
			if err == nil {
				done[i] = true
				continue
			}
			class := sink.Classify(err)
			telemetry.SinkFailures.WithLabelValues(d.names[i], class.String()).Inc()
			derr := &DeliveryError{Topic: ev.Topic, Partition: ev.Partition, Offset: ev.Offset, Sink: d.names[i], Err: err}
			if class == sink.ClassTransient {
				return derr
			}
			return backoff.Permanent(derr)
		}
		d.cursor.Delivered(tp, ev.Offset)
		return nil
	}

	attempts := 1
	notify := func(err error, wait time.Duration) {
		attempts++
		var derr *DeliveryError
		if errors.As(err, &derr) {
			telemetry.SinkRetries.WithLabelValues(derr.Sink).Inc()
		}
		logging.L().Warn("transient sink failure; retrying",
			"topic", ev.Topic, "partition", ev.Partition, "offset", ev.Offset,
			"attempt", attempts, "wait", wait, "err", err)
	}

	err := backoff.RetryNotify(op, d.opts.Retry.backOff(ctx), notify)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errFenced):
		logging.L().Info("record skipped; partition revoked",
			"topic", ev.Topic, "partition", ev.Partition, "offset", ev.Offset)
		return false, nil
	case sink.ContextDone(ctx, err):
		return false, errStopping
	}
	var derr *DeliveryError
	if errors.As(err, &derr) && sink.IsTransient(derr.Err) {
		return false, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, derr)
	}
	return false, err
}

// owns reports whether tp is assigned and was not revoked after the batch
// was polled. Callers hold mu.
func (d *Driver) owns(tp kafka.TopicPartition, fetched uint64) bool {
	if _, ok := d.assigned[tp]; !ok {
		return false
	}
	return d.revokedAt[tp] <= fetched
}

func (d *Driver) commit(ctx context.Context, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitLocked(ctx, reason, nil)
}

// commitLocked commits the delivered prefix of the selected partitions. A
// failed commit leaves the offsets pending for the next commit point.
func (d *Driver) commitLocked(ctx context.Context, reason string, filter func(kafka.TopicPartition) bool) {
	if d.halted {
		return
	}
	pending := d.cursor.Pending(filter)
	if len(pending) == 0 {
		return
	}
	if err := d.coord.Commit(ctx, pending); err != nil {
		telemetry.Commits.WithLabelValues(reason, "error").Inc()
		logging.L().Warn("offset commit failed; offsets stay pending",
			"reason", reason, "partitions", len(pending), "err", err)
		return
	}
	d.cursor.Committed(pending)
	telemetry.Commits.WithLabelValues(reason, "ok").Inc()
	for tp, off := range pending {
		telemetry.CommittedOffset.WithLabelValues(tp.Topic, telemetry.PartitionLabel(tp.Partition)).Set(float64(off))
		logging.L().Debug("offset committed", "reason", reason, "topic", tp.Topic, "partition", tp.Partition, "offset", off)
	}
}

func (d *Driver) stop(ctx context.Context, log *slog.Logger) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	d.commit(cctx, "shutdown")
	cancel()

	d.moveTo(StateStopped)
	d.halt()
	if err := d.coord.Close(); err != nil {
		log.Warn("coordinator close", "err", err)
	}
	log.Info("pipeline stopped")
	return nil
}

func (d *Driver) fail(log *slog.Logger, err error) error {
	d.halt()
	d.moveTo(StateFailed)
	attrs := []any{"err", err}
	var derr *DeliveryError
	if errors.As(err, &derr) {
		attrs = append(attrs, "topic", derr.Topic, "partition", derr.Partition, "offset", derr.Offset, "sink", derr.Sink)
	}
	log.Error("pipeline failed", attrs...)
	if cerr := d.coord.Close(); cerr != nil {
		log.Warn("coordinator close", "err", cerr)
	}
	return err
}

// halt blocks commits from late rebalance callbacks once Run is done.
func (d *Driver) halt() {
	d.mu.Lock()
	d.halted = true
	d.mu.Unlock()
}

// OnAssigned records the new partitions. Records of a partition that was
// revoked while a batch was being polled stay fenced for that batch, even
// if the partition comes back.
func (d *Driver) OnAssigned(parts []kafka.TopicPartition) {
	d.mu.Lock()
	for _, tp := range parts {
		d.assigned[tp] = struct{}{}
	}
	d.mu.Unlock()

	telemetry.Rebalances.WithLabelValues("assigned").Inc()
	logging.L().Info("partitions assigned", "group", d.opts.GroupID, "partitions", describe(parts))
	d.transition(StateRebalancePause, StatePolling)
}

// OnRevoked fences the partitions, so the rest of an in-flight batch skips
// them, and commits what was delivered for them before ownership moves.
func (d *Driver) OnRevoked(parts []kafka.TopicPartition) {
	d.transition(StatePolling, StateRebalancePause)

	revoked := make(map[kafka.TopicPartition]struct{}, len(parts))
	for _, tp := range parts {
		revoked[tp] = struct{}{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	d.mu.Lock()
	d.commitLocked(ctx, "rebalance", func(tp kafka.TopicPartition) bool {
		_, ok := revoked[tp]
		return ok
	})
	d.cursor.Forget(parts)
	d.revokes++
	for _, tp := range parts {
		delete(d.assigned, tp)
		d.revokedAt[tp] = d.revokes
	}
	d.mu.Unlock()

	telemetry.Rebalances.WithLabelValues("revoked").Inc()
	logging.L().Info("partitions revoked", "group", d.opts.GroupID, "partitions", describe(parts))
}

// CommittedOffset exposes the cursor for a partition still owned.
func (d *Driver) CommittedOffset(tp kafka.TopicPartition) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor.CommittedOffset(tp)
}

func describe(parts []kafka.TopicPartition) string {
	s := make([]string, len(parts))
	for i, tp := range parts {
		s[i] = tp.String()
	}
	return strings.Join(s, ",")
}
