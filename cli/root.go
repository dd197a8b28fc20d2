package cli

import (
	"github.com/fieldline/fieldline/pkg/logger"
	"github.com/spf13/cobra"
)

// RootCmd builds the fieldline command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fieldline",
		Short: "Telemetry chunk ingestion and reassembly engine",
	}
	logger.RegisterFlags(root)
	root.AddCommand(
		ServeCmd(),
		MigrateCmd(),
	)
	return root
}
