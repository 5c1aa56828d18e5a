package pipeline

import (
	"testing"

	"cdcflow/source/kafka"

	"github.com/stretchr/testify/assert"
)

func TestCursor_PendingAndCommitted(t *testing.T) {
	c := NewCursor()
	c.Delivered(p0, 3)
	c.Delivered(p0, 5)
	c.Delivered(p0, 4) // redelivery of an older offset
	c.Delivered(p1, 0)

	assert.Equal(t, map[kafka.TopicPartition]int64{p0: 5, p1: 0}, c.Pending(nil))

	c.Committed(map[kafka.TopicPartition]int64{p0: 5})
	assert.Equal(t, map[kafka.TopicPartition]int64{p1: 0}, c.Pending(nil))

	off, ok := c.CommittedOffset(p0)
	assert.True(t, ok)
	assert.Equal(t, int64(5), off)
}

func TestCursor_CommittedNeverRegressesOrPassesDelivery(t *testing.T) {
	c := NewCursor()
	c.Delivered(p0, 7)
	c.Committed(map[kafka.TopicPartition]int64{p0: 7})
	c.Committed(map[kafka.TopicPartition]int64{p0: 4})
	off, _ := c.CommittedOffset(p0)
	assert.Equal(t, int64(7), off)

	c.Committed(map[kafka.TopicPartition]int64{p0: 9})
	off, _ = c.CommittedOffset(p0)
	assert.Equal(t, int64(7), off)

	_, ok := c.CommittedOffset(p1)
	assert.False(t, ok)
}

func TestCursor_FilterAndForget(t *testing.T) {
	c := NewCursor()
	c.Delivered(p0, 1)
	c.Delivered(p1, 2)

	only0 := func(tp kafka.TopicPartition) bool { return tp == p0 }
	assert.Equal(t, map[kafka.TopicPartition]int64{p0: 1}, c.Pending(only0))

	c.Forget([]kafka.TopicPartition{p0})
	_, ok := c.DeliveredOffset(p0)
	assert.False(t, ok)
	assert.Equal(t, map[kafka.TopicPartition]int64{p1: 2}, c.Pending(nil))
}
