package main

import (
	"fmt"

	"github.com/NoPKT/agentim/internal/gatewaycfg"
	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	var serverURL, ownerUserID string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Point this gateway at a broker and owning user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gatewaycfg.Load(configPath())
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.ServerURL = serverURL
			}
			if ownerUserID != "" {
				cfg.OwnerUserID = ownerUserID
			}
			if err := gatewaycfg.Save(configPath(), cfg); err != nil {
				return err
			}
			fmt.Printf("logged in: server=%s owner=%s\n", cfg.ServerURL, cfg.OwnerUserID)
			fmt.Println("set AGENTIM_GATEWAY_TOKEN in the environment before running `daemon` - the token is never persisted to config.json")
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "broker URL, e.g. wss://agentim.example.com")
	cmd.Flags().StringVar(&ownerUserID, "owner-user-id", "", "the user id this gateway's agents are owned by")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear this gateway's broker connection config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gatewaycfg.Save(configPath(), gatewaycfg.Default()); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}
