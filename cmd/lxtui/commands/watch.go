package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lxtui/lxtui/pkg/config"
	"github.com/lxtui/lxtui/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow container and operation changes",
		Long: `Run the operation engine in the foreground and print every change it
observes: containers appearing, disappearing or changing status, operation
progress and API connectivity.

The config file is watched while running; engine settings such as the
refresh interval and retry policy are applied without a restart. When
telemetry.metrics.listen_address is set, Prometheus metrics are served there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return s.start(cmd.Context(), false, func(ctx context.Context) error {
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return s.tel.Metrics.ServeMetrics(gctx)
				})
				path := configPath
				if path == "" {
					path = config.DefaultPath()
				}
				if fileExists(path) {
					g.Go(func() error {
						return s.watchConfig(gctx, path)
					})
				}
				g.Go(func() error {
					return follow(gctx, s.engine, out)
				})
				return g.Wait()
			})
		},
	}

	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// watchConfig applies engine settings from the config file whenever it
// changes. Client and telemetry settings need a restart.
func (s *session) watchConfig(ctx context.Context, path string) error {
	w := config.NewWatcher(path, s.logger)
	return w.Run(ctx, func(cfg *config.Config) {
		if err := s.engine.Reconfigure(ctx, cfg.Engine); err != nil {
			s.logger.WithError(err).Warn("failed to apply reloaded config")
			return
		}
		s.logger.Info("engine config reloaded")
	})
}

// follow prints changes until ctx is done.
func follow(ctx context.Context, eng *engine.Engine, out io.Writer) error {
	sub := eng.Subscribe()
	defer sub.Close()

	v := newViewer(out)
	v.showHealth(eng.Health())
	v.showContainers(eng.Containers())
	v.showOperations(eng.Operations())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case kind, ok := <-sub.C():
			if !ok {
				return nil
			}
			if kind.Has(engine.ChangeHealth) {
				v.showHealth(eng.Health())
			}
			if kind.Has(engine.ChangeContainers) {
				v.showContainers(eng.Containers())
			}
			if kind.Has(engine.ChangeOperations) {
				v.showOperations(eng.Operations())
			}
		}
	}
}

// viewer remembers what was last printed so that only differences are shown.
type viewer struct {
	out       io.Writer
	connected *bool
	lastSeen  map[string]engine.Container
	lastOps   map[string]engine.Operation
}

func newViewer(out io.Writer) *viewer {
	return &viewer{
		out:      out,
		lastSeen: make(map[string]engine.Container),
		lastOps:  make(map[string]engine.Operation),
	}
}

func (v *viewer) printf(format string, args ...interface{}) {
	fmt.Fprintf(v.out, "%s %s\n", time.Now().Format(time.TimeOnly), fmt.Sprintf(format, args...))
}

func (v *viewer) showHealth(h engine.Health) {
	if v.connected != nil && *v.connected == h.Connected {
		return
	}
	connected := h.Connected
	v.connected = &connected

	switch {
	case h.Connected:
		v.printf("connected to LXD")
	case h.LastError != nil:
		v.printf("disconnected from LXD: %v", h.LastError)
	}
}

func (v *viewer) showContainers(list []engine.Container) {
	seen := make(map[string]bool, len(list))
	for _, c := range list {
		seen[c.Name] = true
		prev, ok := v.lastSeen[c.Name]
		switch {
		case !ok:
			v.printf("+ %s %s (%s)", c.Name, c.Status, c.Type)
		case prev.Status != c.Status:
			v.printf("~ %s %s -> %s", c.Name, prev.Status, c.Status)
		}
		v.lastSeen[c.Name] = c
	}
	for name := range v.lastSeen {
		if !seen[name] {
			v.printf("- %s", name)
			delete(v.lastSeen, name)
		}
	}
}

func (v *viewer) showOperations(list []engine.Operation) {
	seen := make(map[string]bool, len(list))
	for _, op := range list {
		seen[op.ID] = true
		prev, ok := v.lastOps[op.ID]
		v.lastOps[op.ID] = op
		if ok && prev.State == op.State && prev.Progress == op.Progress {
			continue
		}
		if op.State.IsTerminal() {
			v.printf("%s", formatResult(op))
		} else {
			v.printf("%s", formatProgress(op))
		}
	}
	for id := range v.lastOps {
		if !seen[id] {
			delete(v.lastOps, id)
		}
	}
}
