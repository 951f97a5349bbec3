// politsim runs the political simulation engine standalone: it founds
// civilizations, advances their courts turn by turn, and snapshots
// state to SQLite.
//
// Usage:
//
//	politsim run [--civs N] [--turns T] [--seed S] [--db path] [--config path]
//	politsim inspect --db path [--civ id]
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "politsim",
	Short: "Turn-based political simulation for AI-controlled factions",
	Long: "politsim simulates the internal politics of a civilization's ruling\n" +
		"court: advisor memories, trust, conspiracies, and leader decisions.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.Version = version
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
