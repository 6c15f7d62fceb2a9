package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vaheed/novaspace/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "novaspace",
		Short:   "Address space controller",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newCmdRun())
	cmd.AddCommand(newCmdReconcileOnce())
	cmd.AddCommand(newCmdVersion())
	return cmd
}

func main() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		logging.L.Error("command_failed", zap.Error(err))
		_ = logging.L.Sync()
		os.Exit(1)
	}
}
