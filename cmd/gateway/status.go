package main

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/NoPKT/agentim/internal/gatewaycfg"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check this gateway's configuration and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			runStatus()
			return nil
		},
	}
}

func runStatus() {
	fmt.Println("agentim-gateway status")
	fmt.Printf("  OS:         %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:         %s\n", runtime.Version())
	fmt.Printf("  State dir:  %s\n", resolveStateDir())
	fmt.Println()

	cfg, err := gatewaycfg.Load(configPath())
	if err != nil {
		fmt.Printf("  Config:     LOAD FAILED (%s)\n", err)
		return
	}
	fmt.Printf("  Server:     %s\n", cfg.ServerURL)
	fmt.Printf("  Owner:      %s\n", valueOr(cfg.OwnerUserID, "(not set)"))
	if cfg.GatewayToken == "" {
		fmt.Println("  Token:      (AGENTIM_GATEWAY_TOKEN not set)")
	} else {
		fmt.Println("  Token:      (set)")
	}
	fmt.Println()

	store, err := gatewaycfg.LoadAdapterStore(adaptersPath())
	if err != nil {
		fmt.Printf("  Adapters:   LOAD FAILED (%s)\n", err)
		return
	}
	specs := store.List()
	fmt.Printf("  Agents:     %d registered\n", len(specs))
	for _, s := range specs {
		path, lookErr := exec.LookPath(s.Command)
		status := "OK"
		if lookErr != nil {
			status = "COMMAND NOT FOUND"
			path = s.Command
		}
		fmt.Printf("    %-12s %-10s %s (%s)\n", s.AgentID, s.Type, path, status)
	}
	fmt.Println()

	fmt.Println("  External tools:")
	checkBinary("git")

}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-6s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-6s %s\n", name+":", path)
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
