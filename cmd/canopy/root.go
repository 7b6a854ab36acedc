package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/canopy/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Canopy is a checkpointed workflow graph engine",
	Long:  `Canopy runs stateful workflow graphs with durable checkpoints, interrupt/resume, and per-field merge strategies. This CLI drives a built-in research assistant graph.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	name, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		level = slog.LevelInfo
	}
	return logging.New(level)
}
