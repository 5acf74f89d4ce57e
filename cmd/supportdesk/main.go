package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/supportdesk/internal/version"
)

func NewSupportdeskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supportdesk",
		Short: "Conversation routing and dispatch engine for customer support",
		Example: `  supportdesk serve
  CONFIG_PATH=/etc/supportdesk/config.toml supportdesk migrate up
  supportdesk token --user u1 --tenant acme --team billing`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newTokenCommand(),
		newVersionCommand(),
	)

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runServe()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.GetInfo())
		},
	}
}

func main() {
	cmd := NewSupportdeskCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
