package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/lxtui/lxtui/pkg/config"
	"github.com/lxtui/lxtui/pkg/engine"
)

// Exit statuses a shell reports when the command is not executable or not
// found.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec NAME -- COMMAND [ARG...]",
		Short: "Run a command in a running container",
		Long: `Run a non-interactive command inside a running container and wait for it
to finish. The command's exit status becomes the exit status of lxtui.`,
		Example: `  lxtui exec web1 -- apt-get update
  lxtui exec db1 -- systemctl restart postgresql`,
		Args: execArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.Request{
				Kind:    engine.OperationExec,
				Target:  args[0],
				Command: args[1:],
			}

			s, err := newSession()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return s.run(cmd.Context(), func(ctx context.Context) error {
				var result engine.Operation
				err := submitAndWait(ctx, s.engine, []engine.Request{req}, func(op engine.Operation) {
					result = op
					fmt.Fprintln(out, formatResult(op))
				})
				if result.ExitCode != nil && *result.ExitCode != 0 {
					return &ExitError{Code: *result.ExitCode}
				}
				return err
			})
		},
	}
}

// execArgs requires a container name followed by "--" and a command.
func execArgs(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return errors.New("requires a container name and a command")
	}
	if dash := cmd.ArgsLenAtDash(); dash != -1 && dash != 1 {
		return fmt.Errorf("expected exactly one container name before --, got %d", dash)
	}
	return nil
}

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell NAME",
		Short: "Open an interactive shell in a container",
		Long: `Open an interactive shell in a running container using the lxc client.
/bin/bash is tried first, /bin/sh is used when the image has no bash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lxc, err := exec.LookPath("lxc")
			if err != nil {
				return fmt.Errorf("the lxc client is required for interactive shells: %w", err)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if project != "" {
				cfg.LXD.Project = project
			}

			return runShell(cmd.Context(), lxc, args[0], cfg.LXD.Project)
		},
	}
}

// runShell attaches the terminal to a shell inside the container, falling
// back to /bin/sh when bash cannot be started.
func runShell(ctx context.Context, lxc, name, lxdProject string) error {
	err := attach(ctx, lxc, shellArgs(name, lxdProject, "/bin/bash"))

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case exitNotExecutable, exitNotFound:
			err = attach(ctx, lxc, shellArgs(name, lxdProject, "/bin/sh"))
		}
	}

	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

func shellArgs(name, lxdProject, shell string) []string {
	args := []string{"exec", name}
	if lxdProject != "" {
		args = append(args, "--project", lxdProject)
	}
	return append(args, "--", shell)
}

func attach(ctx context.Context, bin string, args []string) error {
	c := exec.CommandContext(ctx, bin, args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
