package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cdcflow/internal/logging"

	"github.com/IBM/sarama"
)

func init() { Register("sarama", func() Coordinator { return &SaramaDriver{} }) }

var _ Coordinator = (*SaramaDriver)(nil)

// claimed is a fetched message tagged with the group generation that
// produced it; Poll drops anything from an older generation.
type claimed struct {
	gen int32
	rec ChangeRecord
}

// SaramaDriver bridges sarama's callback-per-claim consumer group into the
// poll model. One goroutine per claimed partition feeds a shared FIFO, so
// order within a partition is kept.
type SaramaDriver struct {
	cfg   Config
	lc    lifecycle
	sc    *sarama.Config
	cl    sarama.Client
	group sarama.ConsumerGroup

	groupID  string
	sub      Subscription
	listener RebalanceListener

	records chan claimed
	errs    chan error
	held    []claimed // owned by the polling goroutine

	mu         sync.Mutex
	sess       sarama.ConsumerGroupSession
	generation int32
	assigned   []TopicPartition

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (d *SaramaDriver) Configure(config Config) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}
	d.cfg = config

	sc := sarama.NewConfig()
	if config.Version != "" {
		ver, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return err
		}
		sc.Version = ver
	}
	sc.ClientID = config.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Group.Session.Timeout = config.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = config.SessionTimeout / 3
	sc.Consumer.MaxWaitTime = config.PollTimeout

	tlsCfg, err := config.TLS.build()
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsCfg
	}
	if config.SASL.User != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASL.User, config.SASL.Password
		switch strings.ToLower(config.SASL.Mechanism) {
		case "scram-sha-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &xdgSCRAMClient{HashGeneratorFcn: sha256Gen} }
		case "scram-sha-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &xdgSCRAMClient{HashGeneratorFcn: sha512Gen} }
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}
	applyInitialOffset(sc, config.Subscription().StartFrom)

	if err := sc.Validate(); err != nil {
		return fmt.Errorf("kafka: sarama config: %w", err)
	}
	d.sc = sc
	d.records = make(chan claimed, config.MaxPollRecords)
	d.errs = make(chan error, 1)
	installSaramaLogger()
	return nil
}

func applyInitialOffset(sc *sarama.Config, p StartPolicy) {
	switch p {
	case FromEarliest:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
}

func (d *SaramaDriver) Connect(ctx context.Context) error {
	if d.sc == nil {
		return &InvalidStateError{Op: "connect", State: "unconfigured"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cl, err := sarama.NewClient(d.cfg.Brokers, d.sc)
	if err != nil {
		return &ConnectionError{Brokers: d.cfg.Brokers, Err: err}
	}
	if err := d.lc.advance("connect", phaseNew, phaseConnected); err != nil {
		_ = cl.Close()
		return err
	}
	d.cl = cl
	logging.L().Info("kafka connected", "driver", "sarama", "brokers", len(cl.Brokers()))
	return nil
}

func (d *SaramaDriver) JoinGroup(_ context.Context, groupID string) error {
	if groupID == "" {
		return errors.New("kafka: empty group id")
	}
	if err := d.lc.advance("join group", phaseConnected, phaseJoined); err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroupFromClient(groupID, d.cl)
	if err != nil {
		return &ConnectionError{Brokers: d.cfg.Brokers, Err: err}
	}
	d.group, d.groupID = group, groupID
	return nil
}

func (d *SaramaDriver) Subscribe(sub Subscription, l RebalanceListener) error {
	if sub.Topic == "" {
		return errors.New("kafka: empty topic")
	}
	if err := d.lc.advance("subscribe", phaseJoined, phaseSubscribed); err != nil {
		return err
	}
	d.sub, d.listener = sub, l
	// Read by the offset manager when a claim starts, after this point.
	applyInitialOffset(d.cl.Config(), sub.StartFrom)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	handler := &groupHandler{driver: d}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		for {
			err := d.group.Consume(ctx, []string{sub.Topic}, handler)
			if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				select {
				case d.errs <- err:
				default:
				}
				return
			}
		}
	}()
	go func() {
		defer d.wg.Done()
		for err := range d.group.Errors() {
			logging.L().Warn("sarama-driver: group error", "group", d.groupID, "err", err)
		}
	}()
	return nil
}

func (d *SaramaDriver) Poll(ctx context.Context) ([]ChangeRecord, error) {
	if err := d.lc.polling(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(d.cfg.PollTimeout)
	defer timer.Stop()

	gen := d.currentGeneration()
	var out []ChangeRecord
	// A batch never spans a rebalance: records of a generation that began
	// during this call are held for the next one.
	take := func(c claimed) {
		switch {
		case !d.current(c.gen):
			// ended generation
		case c.gen != gen:
			d.held = append(d.held, c)
		default:
			out = append(out, c.rec)
		}
	}
	held := d.held
	d.held = nil
	for _, c := range held {
		take(c)
	}

	for len(out) < d.cfg.MaxPollRecords && len(d.held) == 0 {
		if len(out) > 0 {
			// Got something; drain what is already buffered and return.
			select {
			case c := <-d.records:
				take(c)
				continue
			default:
				return d.batch(gen, out), nil
			}
		}
		select {
		case <-ctx.Done():
			return d.batch(gen, out), ctx.Err()
		case <-timer.C:
			return d.batch(gen, out), nil
		case err := <-d.errs:
			return d.batch(gen, out), &ConnectionError{Brokers: d.cfg.Brokers, Err: err}
		case c := <-d.records:
			take(c)
		}
	}
	return d.batch(gen, out), nil
}

// batch drops out if the generation it was collected under ended meanwhile.
func (d *SaramaDriver) batch(gen int32, out []ChangeRecord) []ChangeRecord {
	if len(out) > 0 && !d.current(gen) {
		return nil
	}
	return out
}

func (d *SaramaDriver) currentGeneration() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

func (d *SaramaDriver) current(gen int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess != nil && gen == d.generation
}

// Commit marks offsets on the live session and flushes them. sarama reports
// broker-side commit failures only on the group's error channel, where the
// driver logs them; the marked offsets stay dirty in sarama's offset manager
// and go out again with the next flush. So a nil return means the offsets
// were handed to the session, not that the broker stored them.
func (d *SaramaDriver) Commit(_ context.Context, offsets map[TopicPartition]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return errNoSession
	}
	for tp, off := range offsets {
		// Kafka stores the next offset to read.
		sess.MarkOffset(tp.Topic, tp.Partition, off+1, "")
	}
	sess.Commit()
	return nil
}

var errNoSession = errors.New("kafka: no active group session")

func (d *SaramaDriver) Assignment() []TopicPartition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]TopicPartition(nil), d.assigned...)
}

func (d *SaramaDriver) Close() error {
	if !d.lc.close() {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	d.wg.Wait()
	if d.cl != nil && !d.cl.Closed() {
		errs = append(errs, d.cl.Close())
	}
	return errors.Join(errs...)
}

type groupHandler struct {
	driver *SaramaDriver
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	parts := flattenTopics(sess.Claims())
	h.driver.mu.Lock()
	h.driver.sess = sess
	h.driver.generation = sess.GenerationID()
	h.driver.assigned = parts
	h.driver.mu.Unlock()

	logging.L().Info("sarama-driver: partitions assigned", "generation", sess.GenerationID(), "partitions", len(parts))
	if h.driver.listener != nil {
		h.driver.listener.OnAssigned(parts)
	}
	return nil
}

// Cleanup runs after every ConsumeClaim returned and before offsets are
// handed over, so the listener can still commit through the session.
func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	parts := flattenTopics(sess.Claims())
	if h.driver.listener != nil {
		h.driver.listener.OnRevoked(parts)
	}
	h.driver.mu.Lock()
	h.driver.sess = nil
	h.driver.assigned = nil
	h.driver.mu.Unlock()
	logging.L().Info("sarama-driver: partitions revoked", "generation", sess.GenerationID(), "partitions", len(parts))
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	gen := sess.GenerationID()
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.driver.records <- claimed{gen: gen, rec: fromSarama(msg)}:
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}

func fromSarama(msg *sarama.ConsumerMessage) ChangeRecord {
	rec := ChangeRecord{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]Header, 0, len(msg.Headers))
		for _, h := range msg.Headers {
			if h == nil {
				continue
			}
			rec.Headers = append(rec.Headers, Header{Key: string(h.Key), Value: h.Value})
		}
	}
	return rec
}
