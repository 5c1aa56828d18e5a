package kafka

import (
	"fmt"
	"sort"
)

// Factory builds a Coordinator (SaramaDriver, KgoDriver, …).
type Factory func() Coordinator

var registry = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) {
	registry[name] = f
}

// NewCoordinator returns a driver by name ("sarama", "kgo").
func NewCoordinator(name string) (Coordinator, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("kafka: unsupported driver %q (have %v)", name, Drivers())
}

func Drivers() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
