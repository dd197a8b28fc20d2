package logger

import (
	"fmt"

	"github.com/spf13/cobra"
)

// FromFlags builds a logger Config from the standard log flags registered
// by RegisterFlags.
func FromFlags(cmd *cobra.Command) (*Config, error) {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	logJSON, err := cmd.Flags().GetBool("log-json")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-json flag: %w", err)
	}
	logSource, err := cmd.Flags().GetBool("log-source")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-source flag: %w", err)
	}
	cfg := DefaultConfig()
	cfg.Level = LogLevel(logLevel)
	cfg.JSON = logJSON
	cfg.AddSource = logSource
	return cfg, nil
}

// RegisterFlags adds the standard log flags to a command.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	cmd.PersistentFlags().Bool("log-source", false, "Include source location in logs")
}
