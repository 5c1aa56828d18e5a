package pipeline

import "cdcflow/source/kafka"

type mark struct {
	delivered    int64
	committed    int64
	hasCommitted bool
}

// Cursor tracks, per partition, the highest delivered offset and the last
// committed one. Committed never regresses and never passes delivered.
// Not safe for concurrent use; the driver guards it.
type Cursor struct {
	marks map[kafka.TopicPartition]*mark
}

func NewCursor() *Cursor {
	return &Cursor{marks: make(map[kafka.TopicPartition]*mark)}
}

// Delivered records that offset was fully processed. Redelivered older
// offsets are accepted and ignored.
func (c *Cursor) Delivered(tp kafka.TopicPartition, offset int64) {
	m, ok := c.marks[tp]
	if !ok {
		c.marks[tp] = &mark{delivered: offset}
		return
	}
	if offset > m.delivered {
		m.delivered = offset
	}
}

// Pending returns the partitions whose delivered offset is ahead of the
// committed one. A nil filter selects every partition.
func (c *Cursor) Pending(filter func(kafka.TopicPartition) bool) map[kafka.TopicPartition]int64 {
	out := make(map[kafka.TopicPartition]int64)
	for tp, m := range c.marks {
		if filter != nil && !filter(tp) {
			continue
		}
		if !m.hasCommitted || m.delivered > m.committed {
			out[tp] = m.delivered
		}
	}
	return out
}

// Committed records a successful commit. Offsets that would move the
// cursor backwards or past delivery are ignored.
func (c *Cursor) Committed(offsets map[kafka.TopicPartition]int64) {
	for tp, off := range offsets {
		m, ok := c.marks[tp]
		if !ok || off > m.delivered {
			continue
		}
		if !m.hasCommitted || off > m.committed {
			m.committed, m.hasCommitted = off, true
		}
	}
}

func (c *Cursor) CommittedOffset(tp kafka.TopicPartition) (int64, bool) {
	m, ok := c.marks[tp]
	if !ok || !m.hasCommitted {
		return 0, false
	}
	return m.committed, true
}

func (c *Cursor) DeliveredOffset(tp kafka.TopicPartition) (int64, bool) {
	m, ok := c.marks[tp]
	if !ok {
		return 0, false
	}
	return m.delivered, true
}

// Forget drops the partitions, e.g. after they were revoked.
func (c *Cursor) Forget(tps []kafka.TopicPartition) {
	for _, tp := range tps {
		delete(c.marks, tp)
	}
}
