package decode

import "time"

// Envelope is the line-oriented shape sinks emit for an event.
type Envelope struct {
	Timestamp     string            `json:"timestamp"`
	Topic         string            `json:"topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Key           Payload           `json:"key"`
	Value         Payload           `json:"value"`
	KeyEncoding   string            `json:"key_encoding,omitempty"`
	ValueEncoding string            `json:"value_encoding,omitempty"`
	CapturedAt    string            `json:"captured_at,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Envelope stamps the event with the emission time now.
func (e Event) Envelope(now time.Time) Envelope {
	env := Envelope{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Topic:     e.Topic,
		Partition: e.Partition,
		Offset:    e.Offset,
		Key:       e.Key,
		Value:     e.Value,
		Headers:   e.Headers,
	}
	if e.Key.Kind() == Raw {
		env.KeyEncoding = "base64"
	}
	if e.Value.Kind() == Raw {
		env.ValueEncoding = "base64"
	}
	if !e.Timestamp.IsZero() {
		env.CapturedAt = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return env
}

// Map is the envelope as a generic tree, for encoders that do not take
// struct tags.
func (env Envelope) Map() map[string]any {
	m := map[string]any{
		"timestamp": env.Timestamp,
		"topic":     env.Topic,
		"partition": float64(env.Partition),
		"offset":    float64(env.Offset),
		"key":       payloadValue(env.Key),
		"value":     payloadValue(env.Value),
	}
	if env.KeyEncoding != "" {
		m["key_encoding"] = env.KeyEncoding
	}
	if env.ValueEncoding != "" {
		m["value_encoding"] = env.ValueEncoding
	}
	if env.CapturedAt != "" {
		m["captured_at"] = env.CapturedAt
	}
	if len(env.Headers) > 0 {
		h := make(map[string]any, len(env.Headers))
		for k, v := range env.Headers {
			h[k] = v
		}
		m["headers"] = h
	}
	return m
}

func payloadValue(p Payload) any {
	if p.IsAbsent() {
		return nil
	}
	return p.String()
}
