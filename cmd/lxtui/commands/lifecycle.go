package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lxtui/lxtui/pkg/engine"
)

type lifecycleAction struct {
	kind  engine.OperationKind
	short string
	long  string
}

var lifecycleActions = []lifecycleAction{
	{
		kind:  engine.OperationStart,
		short: "Start stopped containers",
		long:  "Start one or more stopped containers and wait until they are running.",
	},
	{
		kind:  engine.OperationStop,
		short: "Stop running containers",
		long:  "Stop one or more running containers, allowing 30 seconds for a clean shutdown.",
	},
	{
		kind:  engine.OperationRestart,
		short: "Restart running containers",
		long:  "Restart one or more running containers.",
	},
	{
		kind:  engine.OperationDelete,
		short: "Delete containers",
		long:  "Delete one or more containers. Running containers are force-stopped first.",
	},
}

func newLifecycleCommand(action lifecycleAction) *cobra.Command {
	name := string(action.kind)
	return &cobra.Command{
		Use:   name + " NAME...",
		Short: action.short,
		Long:  action.long,
		Example: fmt.Sprintf(`  # %s a single container
  lxtui %s web1

  # Several containers at once
  lxtui %s web1 web2 db1`, name, name, name),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs := make([]engine.Request, len(args))
			for i, target := range args {
				reqs[i] = engine.Request{Kind: action.kind, Target: target}
			}
			return runRequests(cmd, reqs)
		},
	}
}

// runRequests submits reqs through a fresh engine and reports each result.
func runRequests(cmd *cobra.Command, reqs []engine.Request) error {
	s, err := newSession()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	return s.run(cmd.Context(), func(ctx context.Context) error {
		return submitAndWait(ctx, s.engine, reqs, func(op engine.Operation) {
			fmt.Fprintln(out, formatResult(op))
		})
	})
}
