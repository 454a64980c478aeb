// Conductd orchestrates autonomous software construction: it schedules
// feature units from a plan, runs worker capabilities against isolated git
// worktrees, and serializes merges into trunk.
//
// Usage:
//
//	# Run a plan with the default config (~/.config/conductd/config.yaml)
//	conductd run plan.yaml
//
//	# Validate a plan without touching any state
//	conductd validate plan.yaml
//
//	# Inspect a running daemon
//	conductd status
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by all commands.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conductd",
	Short: "Orchestrator for autonomous software construction",
	Long: `conductd coordinates coder, validator, and reviewer workers over a
dependency graph of feature units. Each unit is built in an isolated git
worktree and merged into trunk only after validation and review pass.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/conductd/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("conductd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
