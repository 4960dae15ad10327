package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lxtui/lxtui/pkg/config"
	"github.com/lxtui/lxtui/pkg/engine"
	"github.com/lxtui/lxtui/pkg/lxd"
	"github.com/lxtui/lxtui/pkg/telemetry"
)

const readyTimeout = 15 * time.Second

// session wires config, telemetry, the LXD client and the engine for one
// command invocation.
type session struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	client *lxd.Client
	engine *engine.Engine
	logger *telemetry.Logger
}

func newSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if project != "" {
		cfg.LXD.Project = project
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	client, err := lxd.NewClient(cfg.LXD,
		lxd.WithLogger(tel.Logger),
		lxd.WithTracer(tel.Tracer),
		lxd.WithMetrics(tel.Metrics),
	)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	opts := []engine.Option{
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(tel.Logger),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer),
	}
	if cfg.LXD.UseEvents {
		opts = append(opts, engine.WithStatusSource(client.EventStream()))
	}

	eng, err := engine.NewEngine(client, opts...)
	if err != nil {
		_ = client.Close()
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	return &session{
		cfg:    cfg,
		tel:    tel,
		client: client,
		engine: eng,
		logger: tel.Logger.NewComponentLogger("cli"),
	}, nil
}

// run starts the engine, waits for the first container refresh and calls
// fn. The engine is stopped when fn returns.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.start(ctx, true, fn)
}

// start runs the engine alongside fn. When ready is set, fn is only called
// once the container list has been loaded.
func (s *session) start(ctx context.Context, ready bool, fn func(ctx context.Context) error) error {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tel.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("telemetry shutdown failed")
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.engine.Run(gctx)
	})
	g.Go(func() error {
		defer stop()
		if ready {
			if err := waitReady(gctx, s.engine); err != nil {
				return err
			}
		}
		return fn(gctx)
	})

	err := g.Wait()
	stop()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// waitReady blocks until the engine has completed its first refresh.
func waitReady(ctx context.Context, eng *engine.Engine) error {
	sub := eng.Subscribe()
	defer sub.Close()

	timeout := time.NewTimer(readyTimeout)
	defer timeout.Stop()

	for {
		h := eng.Health()
		if !h.LastRefresh.IsZero() {
			return nil
		}
		if h.LastError != nil {
			return fmt.Errorf("LXD is unreachable: %w", h.LastError)
		}
		select {
		case _, ok := <-sub.C():
			if !ok {
				return engine.ErrEngineStopped
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timed out waiting for LXD after %s", readyTimeout)
		}
	}
}

// submitAndWait submits every request, then waits for each to finish. It
// returns an error if any request was rejected or did not succeed.
func submitAndWait(ctx context.Context, eng *engine.Engine, reqs []engine.Request, report func(engine.Operation)) error {
	var (
		ids  []string
		errs []error
	)
	for _, req := range reqs {
		op, err := eng.Submit(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", req.Describe(), err))
			continue
		}
		ids = append(ids, op.ID)
	}

	for _, id := range ids {
		op, err := eng.Wait(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report(op)
		if op.State != engine.StateSucceeded {
			errs = append(errs, fmt.Errorf("%s %s: %w", op.Description, op.State, op.Err))
		}
	}
	return errors.Join(errs...)
}
