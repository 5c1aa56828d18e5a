package kafka

import "context"

// Subscription is the single topic a pipeline reads, plus where to start
// reading partitions that have no committed offset yet.
type Subscription struct {
	Topic     string
	StartFrom StartPolicy
}

// RebalanceListener is told about ownership changes. OnRevoked runs before
// the partitions are handed to another member and may call Commit for them.
type RebalanceListener interface {
	OnAssigned(partitions []TopicPartition)
	OnRevoked(partitions []TopicPartition)
}

// Coordinator is the consumer-group capability set the pipeline needs.
// Calls must follow Connect, JoinGroup, Subscribe, Poll; anything else
// returns an *InvalidStateError.
type Coordinator interface {
	Configure(Config) error
	Connect(ctx context.Context) error
	JoinGroup(ctx context.Context, groupID string) error
	Subscribe(sub Subscription, l RebalanceListener) error

	// Poll waits at most the configured poll timeout. An empty result with
	// a nil error means nothing arrived in time.
	Poll(ctx context.Context) ([]ChangeRecord, error)

	// Commit acknowledges the last fully processed offset per partition.
	// It is idempotent and never moves a partition backwards.
	Commit(ctx context.Context, offsets map[TopicPartition]int64) error

	Assignment() []TopicPartition
	Close() error
}
