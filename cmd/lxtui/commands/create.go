package commands

import (
	"github.com/spf13/cobra"

	"github.com/lxtui/lxtui/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var spec engine.ContainerSpec

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a container from an image",
		Long: `Create a container or virtual machine from an image.

Images are given as REMOTE:ALIAS. The ubuntu, ubuntu-daily and images
remotes are known; any other prefix is looked up on the images server,
so "debian:12" resolves to debian/12 there. A bare alias names a local image.`,
		Example: `  # Ubuntu container, started after creation
  lxtui create web3 --image ubuntu:24.04

  # Alpine virtual machine with limits, left stopped
  lxtui create vm1 --image alpine:3.20 --vm --cpu 2 --memory 2GB --start=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Name = args[0]
			return runRequests(cmd, []engine.Request{{Kind: engine.OperationCreate, Spec: &spec}})
		},
	}

	cmd.Flags().StringVarP(&spec.Image, "image", "i", "ubuntu:24.04", "image to create from")
	cmd.Flags().BoolVar(&spec.VM, "vm", false, "create a virtual machine")
	cmd.Flags().StringVar(&spec.CPULimit, "cpu", "2", "limits.cpu")
	cmd.Flags().StringVar(&spec.MemoryLimit, "memory", "2GB", "limits.memory")
	cmd.Flags().StringSliceVarP(&spec.Profiles, "profile", "p", nil, "profiles to apply (default: server default)")
	cmd.Flags().BoolVar(&spec.Start, "start", true, "start the container once created")

	return cmd
}

func newCloneCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "clone SOURCE NAME",
		Short:   "Copy a container under a new name",
		Long:    "Copy a container, including its configuration and root filesystem. The copy is left stopped.",
		Example: `  lxtui clone web1 web1-staging`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequests(cmd, []engine.Request{{
				Kind:    engine.OperationClone,
				Target:  args[0],
				NewName: args[1],
			}})
		},
	}
}
