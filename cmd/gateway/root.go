package main

import (
	"os"
	"path/filepath"

	"github.com/NoPKT/agentim/internal/gatewaycfg"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/spf13/cobra"
)

var (
	stateDir string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "agentim-gateway",
	Short: "AgentIM gateway — hosts a local fleet of AI coding agents",
	Long:  "agentim-gateway runs AI coding agent CLIs (Claude Code, Codex, Gemini, or any generic binary) on this machine and relays their turns through the AgentIM broker.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "gateway state directory (default: ~/.agentim)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(daemonCmd())
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveStateDir honors --state-dir / AGENTIM_STATE_DIR before
// falling back to gatewaycfg's own ~/.agentim default.
func resolveStateDir() string {
	if stateDir != "" {
		return stateDir
	}
	if v := os.Getenv("AGENTIM_STATE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, gatewaycfg.DefaultDir)
}

func configPath() string   { return filepath.Join(resolveStateDir(), "config.json") }
func adaptersPath() string { return filepath.Join(resolveStateDir(), "adapters.json") }
func sessionsPath() string { return filepath.Join(resolveStateDir(), "sessions.json") }
