package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lxtui/lxtui/pkg/engine"
)

func newListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List containers",
		Long:    "List containers and virtual machines with their status, image, resource usage and addresses.",
		Example: `  lxtui list
  lxtui list --status Running --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return s.run(cmd.Context(), func(ctx context.Context) error {
				containers := filterContainers(s.engine.Containers(), engine.ContainerStatus(status))
				if jsonOutput {
					return writeJSON(out, containers)
				}
				return printContainers(cmd, containers)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show containers with this status (Running, Stopped, Frozen, Error)")

	return cmd
}

func filterContainers(list []engine.Container, status engine.ContainerStatus) []engine.Container {
	if status == "" {
		return list
	}
	out := list[:0:0]
	for _, c := range list {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

func printContainers(cmd *cobra.Command, containers []engine.Container) error {
	if len(containers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No containers found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tTYPE\tIMAGE\tCPU\tMEMORY\tADDRESS")
	for _, c := range containers {
		image := c.Image
		if image == "" {
			image = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fs\t%s\t%s\n",
			c.Name, c.Status, c.Type, image,
			c.Usage.CPUSeconds, formatBytes(c.Usage.MemoryBytes), formatAddresses(c.Addresses))
	}
	return w.Flush()
}
