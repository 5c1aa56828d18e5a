package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/sink"
	src "cdcflow/source/kafka"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var fixed = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func withMockProducer(t *testing.T) {
	t.Helper()
	orig := newSyncProducer
	newSyncProducer = func(_ []string, sc *sarama.Config) (sarama.SyncProducer, error) {
		return mocks.NewSyncProducer(t, sc), nil
	}
	t.Cleanup(func() { newSyncProducer = orig })
}

func configured(t *testing.T, encoding string) (*driver, *mocks.SyncProducer) {
	t.Helper()
	withMockProducer(t)
	a, err := sink.NewAdapter("kafka")
	require.NoError(t, err)
	d := a.(*driver)
	require.NoError(t, d.Configure(Config{
		Brokers: []string{"mock:9092"}, Topic: "users-out", Encoding: encoding,
		Now: func() time.Time { return fixed },
	}))
	mp, ok := d.p.(*mocks.SyncProducer)
	require.True(t, ok)
	return d, mp
}

func alice() decode.Event {
	return decode.Record(src.ChangeRecord{
		Topic: "ticdc-testdb-users", Partition: 0, Offset: 5,
		Key: []byte("42"), Value: []byte(`{"id":42,"name":"Alice"}`),
	})
}

func header(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestDeliver_RawKeepsBytesAndCoordinates(t *testing.T) {
	d, mp := configured(t, "")
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "users-out", msg.Topic)
		k, _ := msg.Key.Encode()
		v, _ := msg.Value.Encode()
		assert.Equal(t, "42", string(k))
		assert.Equal(t, `{"id":42,"name":"Alice"}`, string(v))
		assert.Equal(t, "ticdc-testdb-users", header(msg, HeaderTopic))
		assert.Equal(t, "0", header(msg, HeaderPartition))
		assert.Equal(t, "5", header(msg, HeaderOffset))
		return nil
	})
	require.NoError(t, d.Deliver(context.Background(), alice()))
	require.NoError(t, d.Close())
}

func TestDeliver_RawTombstoneHasNilValue(t *testing.T) {
	d, mp := configured(t, EncodingRaw)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Value != nil {
			return errors.New("tombstone must keep a nil value")
		}
		return nil
	})
	ev := decode.Record(src.ChangeRecord{Topic: "t", Offset: 9, Key: []byte("42")})
	require.NoError(t, d.Deliver(context.Background(), ev))
	require.NoError(t, d.Close())
}

func TestDeliver_JSONEnvelope(t *testing.T) {
	d, mp := configured(t, EncodingJSON)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var m map[string]any
		require.NoError(t, json.Unmarshal(val, &m))
		assert.Equal(t, "42", m["key"])
		assert.Equal(t, float64(5), m["offset"])
		assert.Equal(t, fixed.Format(time.RFC3339Nano), m["timestamp"])
		return nil
	})
	require.NoError(t, d.Deliver(context.Background(), alice()))
	require.NoError(t, d.Close())
}

func TestDeliver_ProtoStruct(t *testing.T) {
	d, mp := configured(t, EncodingProto)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var st structpb.Struct
		if err := proto.Unmarshal(val, &st); err != nil {
			return err
		}
		m := st.AsMap()
		assert.Equal(t, "ticdc-testdb-users", m["topic"])
		assert.Equal(t, `{"id":42,"name":"Alice"}`, m["value"])
		return nil
	})
	require.NoError(t, d.Deliver(context.Background(), alice()))
	require.NoError(t, d.Close())
}

func TestDeliver_ClassifiesProducerErrors(t *testing.T) {
	d, mp := configured(t, EncodingRaw)
	mp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	mp.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	err := d.Deliver(context.Background(), alice())
	assert.True(t, sink.IsTransient(err), "leader change is transient: %v", err)

	err = d.Deliver(context.Background(), alice())
	assert.Equal(t, sink.ClassFatal, sink.Classify(err))
	assert.ErrorIs(t, err, sarama.ErrMessageSizeTooLarge)
	require.NoError(t, d.Close())
}

func TestConfigure_Rejects(t *testing.T) {
	withMockProducer(t)
	cases := map[string]any{
		"wrong type": "nope",
		"no brokers": Config{Topic: "x"},
		"no topic":   Config{Brokers: []string{"b:9092"}},
		"encoding":   Config{Brokers: []string{"b:9092"}, Topic: "x", Encoding: "avro"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, (&driver{}).Configure(c))
		})
	}
}
