// Package decode turns raw record bytes into events. Decoding is total:
// absent bytes become the Absent sentinel and non-UTF-8 bytes are carried
// as Raw, so no input is ever rejected.
package decode

import (
	"encoding/base64"
	"encoding/json"
	"time"
	"unicode/utf8"

	"cdcflow/source/kafka"
)

type Kind uint8

const (
	Absent Kind = iota
	Text
	Raw
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Text:
		return "text"
	case Raw:
		return "raw"
	default:
		return "unknown"
	}
}

// Payload is a decoded key or value. The zero Payload is Absent.
type Payload struct {
	kind Kind
	text string
	raw  []byte
}

func (p Payload) Kind() Kind { return p.kind }
func (p Payload) IsAbsent() bool { return p.kind == Absent }
func (p Payload) Text() (string, bool) {
	return p.text, p.kind == Text
}

// Bytes returns the payload as it arrived on the wire; nil when Absent.
func (p Payload) Bytes() []byte {
	switch p.kind {
	case Text:
		return []byte(p.text)
	case Raw:
		return append([]byte(nil), p.raw...)
	default:
		return nil
	}
}

// String renders Text as-is and Raw as standard base64.
func (p Payload) String() string {
	switch p.kind {
	case Text:
		return p.text
	case Raw:
		return base64.StdEncoding.EncodeToString(p.raw)
	default:
		return ""
	}
}

// MarshalJSON renders Absent as null.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.kind == Absent {
		return []byte("null"), nil
	}
	return json.Marshal(p.String())
}

// DecodePayload classifies one byte sequence.
func DecodePayload(b []byte) Payload {
	if len(b) == 0 {
		return Payload{}
	}
	if utf8.Valid(b) {
		return Payload{kind: Text, text: string(b)}
	}
	return Payload{kind: Raw, raw: append([]byte(nil), b...)}
}

func Decode(rawKey, rawValue []byte) (key, value Payload) {
	return DecodePayload(rawKey), DecodePayload(rawValue)
}

type Event struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       Payload
	Value     Payload
	Headers   map[string]string
}

// Tombstone reports a delete: the value is absent.
func (e Event) Tombstone() bool { return e.Value.IsAbsent() }

func (e Event) TopicPartition() kafka.TopicPartition {
	return kafka.TopicPartition{Topic: e.Topic, Partition: e.Partition}
}

func Record(r kafka.ChangeRecord) Event {
	ev := Event{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
	ev.Key, ev.Value = Decode(r.Key, r.Value)
	if len(r.Headers) > 0 {
		ev.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			ev.Headers[h.Key] = DecodePayload(h.Value).String()
		}
	}
	return ev
}
