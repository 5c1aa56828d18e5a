package kafka

import (
	"sort"
	"strconv"
	"time"
)

type Header struct {
	Key   string
	Value []byte
}

type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "[" + strconv.FormatInt(int64(tp.Partition), 10) + "]"
}

// ChangeRecord is one fetched log entry. A nil Key or Value means the field
// was absent on the wire; a nil Value is a tombstone.
type ChangeRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

func (r ChangeRecord) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

func flattenTopics(m map[string][]int32) []TopicPartition {
	var out []TopicPartition
	for topic, parts := range m {
		for _, p := range parts {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
