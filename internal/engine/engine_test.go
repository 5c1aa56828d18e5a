package engine

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"cdcflow/internal/config"
	"cdcflow/internal/pipeline"
	"cdcflow/source/kafka"
	mockkafka "cdcflow/source/kafka/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(out *syncBuffer) config.Config {
	cfg := config.Config{
		Kafka: kafka.Config{
			Brokers: []string{"mock:9092"}, Topic: "ticdc-testdb-users",
			GroupID: "cdc-group", Driver: "engine-mock", StartFrom: kafka.FromEarliest,
		},
		Pipeline: config.Pipeline{CommitMode: "batch"},
		Sinks:    []string{"stdout"},
		GRPCAddr: "127.0.0.1:0",
	}
	cfg.Sink.Stdout.Writer = out
	return cfg
}

func TestEngine_RunsToGracefulStop(t *testing.T) {
	coord := mockkafka.NewCoordinator()
	coord.AddRecords("ticdc-testdb-users", 0, kafka.ChangeRecord{
		Offset: 5, Key: []byte("42"), Value: []byte(`{"id":42,"name":"Alice"}`),
	})
	kafka.Register("engine-mock", func() kafka.Coordinator { return coord })

	out := &syncBuffer{}
	e, err := Bootstrap(context.Background(), testConfig(out))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	tp := kafka.TopicPartition{Topic: "ticdc-testdb-users", Partition: 0}
	require.Eventually(t, func() bool {
		off, ok := coord.Committed(tp)
		return ok && off == 5
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, pipeline.StatePolling, e.State())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, pipeline.StateStopped, e.State())
	assert.Contains(t, out.String(), "Alice")
}

func TestBootstrap_UnknownSink(t *testing.T) {
	cfg := testConfig(&syncBuffer{})
	cfg.Kafka.Driver = "sarama"
	cfg.Sinks = []string{"fax"}
	_, err := Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBootstrap_UnknownCommitMode(t *testing.T) {
	cfg := testConfig(&syncBuffer{})
	cfg.Pipeline.CommitMode = "hourly"
	_, err := Bootstrap(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hourly")
}

func TestBootstrap_UnknownDriver(t *testing.T) {
	cfg := testConfig(&syncBuffer{})
	cfg.Kafka.Driver = "librdkafka"
	_, err := Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
}
