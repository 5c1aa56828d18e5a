package engine

import (
	"context"
	"errors"
	"fmt"

	"cdcflow/internal/config"
	"cdcflow/internal/pipeline"
	"cdcflow/internal/transport"
	"cdcflow/sink"
	"cdcflow/source/kafka"
)

// Bootstrap wires the coordinator, sinks, driver and health server from
// cfg. Nothing touches the network until Run, except sinks that dial in
// Configure.
func Bootstrap(_ context.Context, cfg config.Config) (*Engine, error) {
	mode, err := pipeline.ParseCommitMode(cfg.Pipeline.CommitMode)
	if err != nil {
		return nil, err
	}

	// 1. coordinator
	coord, err := kafka.NewCoordinator(cfg.Kafka.Driver)
	if err != nil {
		return nil, err
	}
	if err := coord.Configure(cfg.Kafka); err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}

	// 2. sinks
	sinks, err := buildSinks(cfg)
	if err != nil {
		return nil, err
	}

	// 3. health transport
	var srv *transport.Server
	if cfg.GRPCAddr != "" {
		if srv, err = transport.StartServer(cfg.GRPCAddr); err != nil {
			closeSinks(sinks)
			return nil, err
		}
	}

	opts := pipeline.Options{
		GroupID:      cfg.Kafka.GroupID,
		Subscription: cfg.Kafka.Subscription(),
		CommitMode:   mode,
		Retry:        cfg.Pipeline.Retry,
	}
	if srv != nil {
		opts.OnStateChange = func(_, to pipeline.State) {
			srv.SetServing(to == pipeline.StatePolling)
		}
	}

	return &Engine{
		driver:      pipeline.New(coord, opts, sinks...),
		sinks:       sinks,
		transport:   srv,
		metricsAddr: cfg.MetricsAddr,
	}, nil
}

func buildSinks(cfg config.Config) ([]sink.Adapter, error) {
	var out []sink.Adapter
	for _, name := range cfg.Sinks {
		a, err := sink.NewAdapter(name)
		if err != nil {
			closeSinks(out)
			return nil, err
		}
		sc, err := cfg.SinkConfig(name)
		if err != nil {
			closeSinks(out)
			return nil, err
		}
		if err := a.Configure(sc); err != nil {
			closeSinks(out)
			return nil, fmt.Errorf("sink %s: %w", name, err)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.New("engine: no sink configured")
	}
	return out, nil
}
