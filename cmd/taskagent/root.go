package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// newRootCmd creates the root taskagent command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskagent",
		Short:         "Ticket pipeline and coding-agent daemon",
		Long:          "taskagent moves issue-tracker tickets through evaluation, approval,\nand automated code execution in isolated git worktrees.",
		Version:       fmt.Sprintf("taskagent %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newStopCmd(),
		newStatusCmd(),
		newEnqueueCmd(),
		newListCmd(),
		newCancelCmd(),
		newLogsCmd(),
	)

	return cmd
}
