package sink

import (
	"context"
	"fmt"
	"sort"

	"cdcflow/internal/decode"
)

// Adapter is the common behaviour every sink exposes. Deliver may see the
// same event more than once and must tolerate it.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	Deliver(context.Context, decode.Event) error
	Close() error // idempotent
}

// Named is optional; the pipeline uses it for logs and metric labels.
type Named interface {
	Name() string
}

func NameOf(a Adapter) string {
	if n, ok := a.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", a)
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}

func Registered() []string {
	names := make([]string, 0, len(reg))
	for n := range reg {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
