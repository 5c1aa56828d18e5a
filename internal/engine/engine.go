package engine

import (
	"context"

	"cdcflow/internal/logging"
	"cdcflow/internal/pipeline"
	"cdcflow/internal/telemetry"
	"cdcflow/internal/transport"
	"cdcflow/sink"

	"golang.org/x/sync/errgroup"
)

type Engine struct {
	driver      *pipeline.Driver
	sinks       []sink.Adapter
	transport   *transport.Server
	metricsAddr string
}

// Run blocks until the pipeline stops. A nil return means a graceful stop;
// any error means the pipeline failed or a listener could not serve.
func (e *Engine) Run(ctx context.Context) error {
	defer closeSinks(e.sinks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return telemetry.Expose(gctx, e.metricsAddr) })
	if e.transport != nil {
		g.Go(func() error { return e.transport.Run(gctx) })
	}
	g.Go(func() error { return e.driver.Run(gctx) })
	return g.Wait()
}

func (e *Engine) State() pipeline.State { return e.driver.State() }

func closeSinks(sinks []sink.Adapter) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logging.L().Warn("sink close", "sink", sink.NameOf(s), "err", err)
		}
	}
}
