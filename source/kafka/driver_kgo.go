package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cdcflow/internal/logging"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	kscram "github.com/twmb/franz-go/pkg/sasl/scram"
)

func init() { Register("kgo", func() Coordinator { return &KgoDriver{} }) }

var _ Coordinator = (*KgoDriver)(nil)

// KgoDriver implements Coordinator on franz-go. franz-go joins the group
// lazily, so the group client is built on Subscribe; Connect only proves a
// seed broker answers.
type KgoDriver struct {
	cfg  Config
	lc   lifecycle
	base []kgo.Opt

	groupID  string
	listener RebalanceListener

	mu       sync.Mutex
	cl       *kgo.Client
	assigned map[TopicPartition]struct{}

	// revokes counts revocations; revokedAt holds its value at the last
	// revocation of each partition.
	revokes   uint64
	revokedAt map[TopicPartition]uint64
}

func (d *KgoDriver) Configure(config Config) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}
	d.cfg = config

	opts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.ClientID(config.ClientID),
		kgo.WithLogger(kgoLogger{}),
		kgo.FetchMaxWait(config.PollTimeout),
	}
	tlsCfg, err := config.TLS.build()
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if config.SASL.User != "" {
		switch strings.ToLower(config.SASL.Mechanism) {
		case "scram-sha-256":
			opts = append(opts, kgo.SASL(kscram.Auth{User: config.SASL.User, Pass: config.SASL.Password}.AsSha256Mechanism()))
		case "scram-sha-512":
			opts = append(opts, kgo.SASL(kscram.Auth{User: config.SASL.User, Pass: config.SASL.Password}.AsSha512Mechanism()))
		default:
			opts = append(opts, kgo.SASL(plain.Auth{User: config.SASL.User, Pass: config.SASL.Password}.AsMechanism()))
		}
	}
	d.base = opts
	d.assigned = make(map[TopicPartition]struct{})
	d.revokedAt = make(map[TopicPartition]uint64)
	return nil
}

func (d *KgoDriver) Connect(ctx context.Context) error {
	if d.base == nil {
		return &InvalidStateError{Op: "connect", State: "unconfigured"}
	}
	probe, err := kgo.NewClient(d.base...)
	if err != nil {
		return &ConnectionError{Brokers: d.cfg.Brokers, Err: err}
	}
	defer probe.Close()
	if err := probe.Ping(ctx); err != nil {
		return &ConnectionError{Brokers: d.cfg.Brokers, Err: err}
	}
	if err := d.lc.advance("connect", phaseNew, phaseConnected); err != nil {
		return err
	}
	logging.L().Info("kafka connected", "driver", "kgo", "brokers", strings.Join(d.cfg.Brokers, ","))
	return nil
}

func (d *KgoDriver) JoinGroup(_ context.Context, groupID string) error {
	if groupID == "" {
		return errors.New("kafka: empty group id")
	}
	if err := d.lc.advance("join group", phaseConnected, phaseJoined); err != nil {
		return err
	}
	d.groupID = groupID
	return nil
}

func (d *KgoDriver) Subscribe(sub Subscription, l RebalanceListener) error {
	if sub.Topic == "" {
		return errors.New("kafka: empty topic")
	}
	if err := d.lc.advance("subscribe", phaseJoined, phaseSubscribed); err != nil {
		return err
	}
	d.listener = l

	reset := kgo.NewOffset().AtEnd()
	if sub.StartFrom == FromEarliest {
		reset = kgo.NewOffset().AtStart()
	}
	opts := append(append([]kgo.Opt(nil), d.base...),
		kgo.ConsumerGroup(d.groupID),
		kgo.ConsumeTopics(sub.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(d.cfg.SessionTimeout),
		kgo.OnPartitionsAssigned(d.onAssigned),
		kgo.OnPartitionsRevoked(d.onRevoked),
		kgo.OnPartitionsLost(d.onRevoked),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return &ConnectionError{Brokers: d.cfg.Brokers, Err: err}
	}
	d.mu.Lock()
	d.cl = cl
	d.mu.Unlock()
	return nil
}

func (d *KgoDriver) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	parts := flattenTopics(assigned)
	d.mu.Lock()
	for _, tp := range parts {
		d.assigned[tp] = struct{}{}
	}
	d.mu.Unlock()
	if d.listener != nil {
		d.listener.OnAssigned(parts)
	}
}

func (d *KgoDriver) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	parts := flattenTopics(revoked)
	if d.listener != nil {
		d.listener.OnRevoked(parts)
	}
	d.mu.Lock()
	if d.revokedAt == nil {
		d.revokedAt = make(map[TopicPartition]uint64)
	}
	d.revokes++
	for _, tp := range parts {
		delete(d.assigned, tp)
		d.revokedAt[tp] = d.revokes
	}
	d.mu.Unlock()
}

func (d *KgoDriver) client() *kgo.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cl
}

func (d *KgoDriver) Poll(ctx context.Context) ([]ChangeRecord, error) {
	if err := d.lc.polling(); err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	defer cancel()

	cl := d.client()
	seq := d.revokeCount()
	fetches := cl.PollRecords(pctx, d.cfg.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, &ConnectionError{Brokers: d.cfg.Brokers, Err: kgo.ErrClientClosed}
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("kafka: fetch %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, rewind := d.fence(seq, fetches.Records(), cl.CommittedOffsets)
	if len(rewind) > 0 {
		cl.SetOffsets(rewind)
		logging.L().Info("kgo-driver: refetching partitions reassigned during poll", "topics", len(rewind))
	}
	return out, nil
}

func (d *KgoDriver) revokeCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revokes
}

// fence drops records of partitions revoked after seq was read; a rebalance
// may run while PollRecords waits, so they could predate it. Partitions
// that came back are rewound to the group's committed offset, or to the
// first dropped record when none is known.
func (d *KgoDriver) fence(seq uint64, recs []*kgo.Record, committed func() map[string]map[int32]kgo.EpochOffset) ([]ChangeRecord, map[string]map[int32]kgo.EpochOffset) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		known  map[string]map[int32]kgo.EpochOffset
		rewind map[string]map[int32]kgo.EpochOffset
	)
	out := make([]ChangeRecord, 0, len(recs))
	for _, r := range recs {
		tp := TopicPartition{Topic: r.Topic, Partition: r.Partition}
		if d.revokedAt[tp] <= seq {
			out = append(out, fromKgo(r))
			continue
		}
		if _, ok := d.assigned[tp]; !ok {
			continue
		}
		if _, ok := rewind[r.Topic][r.Partition]; ok {
			continue
		}
		if known == nil {
			known = committed()
		}
		at, ok := known[r.Topic][r.Partition]
		if !ok || at.Offset < 0 {
			at = kgo.EpochOffset{Epoch: -1, Offset: r.Offset}
		}
		if rewind == nil {
			rewind = make(map[string]map[int32]kgo.EpochOffset)
		}
		if rewind[r.Topic] == nil {
			rewind[r.Topic] = make(map[int32]kgo.EpochOffset)
		}
		rewind[r.Topic][r.Partition] = at
	}
	return out, rewind
}

func (d *KgoDriver) Commit(ctx context.Context, offsets map[TopicPartition]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	cl := d.client()
	if cl == nil {
		return errNoSession
	}
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for tp, off := range offsets {
		if uncommitted[tp.Topic] == nil {
			uncommitted[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		uncommitted[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: off + 1}
	}

	var commitErr error
	cl.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					commitErr = fmt.Errorf("kafka: commit %s[%d]: %w", t.Topic, p.Partition, err)
					return
				}
			}
		}
	})
	return commitErr
}

func (d *KgoDriver) Assignment() []TopicPartition {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TopicPartition, 0, len(d.assigned))
	for tp := range d.assigned {
		out = append(out, tp)
	}
	return out
}

func (d *KgoDriver) Close() error {
	if !d.lc.close() {
		return nil
	}
	if cl := d.client(); cl != nil {
		// Leaves the group, running the revoke callback first.
		cl.Close()
	}
	return nil
}

func fromKgo(r *kgo.Record) ChangeRecord {
	rec := ChangeRecord{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		rec.Headers = make([]Header, len(r.Headers))
		for i, h := range r.Headers {
			rec.Headers[i] = Header{Key: h.Key, Value: h.Value}
		}
	}
	return rec
}
