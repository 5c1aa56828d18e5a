// Package kafka republishes change events to another Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/sink"

	"github.com/IBM/sarama"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	EncodingRaw   = "raw"   // original key/value bytes
	EncodingJSON  = "json"  // JSON envelope
	EncodingProto = "proto" // envelope as a google.protobuf.Struct
)

// Coordinate headers let consumers de-duplicate redelivered events.
const (
	HeaderTopic     = "cdc-topic"
	HeaderPartition = "cdc-partition"
	HeaderOffset    = "cdc-offset"
)

type Config struct {
	Brokers  []string         `koanf:"brokers"`
	Topic    string           `koanf:"topic"`
	Encoding string           `koanf:"encoding"` // raw|json|proto
	Version  string           `koanf:"version"`
	Now      func() time.Time `koanf:"-"`
}

// newSyncProducer is swapped by tests.
var newSyncProducer = sarama.NewSyncProducer

type driver struct {
	cfg Config
	p   sarama.SyncProducer
}

func (d *driver) Name() string { return "kafka" }

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if len(cfg.Brokers) == 0 {
		return errors.New("kafka-sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return errors.New("kafka-sink: topic is required")
	}
	switch cfg.Encoding {
	case "":
		cfg.Encoding = EncodingRaw
	case EncodingRaw, EncodingJSON, EncodingProto:
	default:
		return fmt.Errorf("kafka-sink: unknown encoding %q", cfg.Encoding)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return err
		}
		sc.Version = ver
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 0 // the pipeline owns retries
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := newSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafka-sink: producer: %w", err)
	}
	d.cfg, d.p = cfg, p
	return nil
}

func (d *driver) Deliver(ctx context.Context, ev decode.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := d.message(ev)
	if err != nil {
		return sink.Fatal(err)
	}
	if _, _, err := d.p.SendMessage(msg); err != nil {
		return classify(err)
	}
	return nil
}

func (d *driver) message(ev decode.Event) (*sarama.ProducerMessage, error) {
	msg := &sarama.ProducerMessage{
		Topic: d.cfg.Topic,
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderTopic), Value: []byte(ev.Topic)},
			{Key: []byte(HeaderPartition), Value: []byte(strconv.FormatInt(int64(ev.Partition), 10))},
			{Key: []byte(HeaderOffset), Value: []byte(strconv.FormatInt(ev.Offset, 10))},
		},
	}
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	if k := ev.Key.Bytes(); k != nil {
		msg.Key = sarama.ByteEncoder(k)
	}

	switch d.cfg.Encoding {
	case EncodingJSON:
		b, err := json.Marshal(ev.Envelope(d.cfg.Now()))
		if err != nil {
			return nil, fmt.Errorf("kafka-sink: encode json: %w", err)
		}
		msg.Value = sarama.ByteEncoder(b)
	case EncodingProto:
		st, err := structpb.NewStruct(ev.Envelope(d.cfg.Now()).Map())
		if err != nil {
			return nil, fmt.Errorf("kafka-sink: encode proto: %w", err)
		}
		b, err := proto.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("kafka-sink: encode proto: %w", err)
		}
		msg.Value = sarama.ByteEncoder(b)
	default:
		// Tombstones stay tombstones downstream.
		if v := ev.Value.Bytes(); v != nil {
			msg.Value = sarama.ByteEncoder(v)
		}
		for k, v := range ev.Headers {
			if strings.HasPrefix(k, "cdc-") {
				continue
			}
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
	}
	return msg, nil
}

// Broker answers that will not change on retry.
var fatalErrs = []error{
	sarama.ErrMessageSizeTooLarge,
	sarama.ErrInvalidMessage,
	sarama.ErrInvalidTopic,
	sarama.ErrTopicAuthorizationFailed,
	sarama.ErrClusterAuthorizationFailed,
}

func classify(err error) error {
	for _, f := range fatalErrs {
		if errors.Is(err, f) {
			return sink.Fatal(fmt.Errorf("kafka-sink: %w", err))
		}
	}
	return sink.Transient(fmt.Errorf("kafka-sink: %w", err))
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	p := d.p
	d.p = nil
	return p.Close()
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
