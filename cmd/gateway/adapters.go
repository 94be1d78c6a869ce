package main

import (
	"fmt"
	"strings"

	"github.com/NoPKT/agentim/internal/gatewaycfg"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// validAgentTypes is the registrable set (spec.md §4.4: claude-code,
// codex, gemini, or any generic binary speaking the same wire format).
var validAgentTypes = map[types.AgentType]bool{
	types.AgentTypeClaudeCode: true,
	types.AgentTypeCodex:      true,
	types.AgentTypeGemini:     true,
	types.AgentTypeGeneric:    true,
}

func addCmd() *cobra.Command {
	var (
		name           string
		agentType      string
		command        string
		args           []string
		workingDir     string
		permissionMode string
		model          string
		thinkingMode   string
		effortLevel    string
		roomID         string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new agent adapter with this gateway",
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			if name == "" || command == "" || roomID == "" {
				return fmt.Errorf("--name, --command, and --room-id are required")
			}
			at := types.AgentType(agentType)
			if !validAgentTypes[at] {
				return fmt.Errorf("unknown --type %q (want one of claude-code, codex, gemini, generic)", agentType)
			}
			pm := types.PermissionMode(permissionMode)
			if pm != types.PermissionModeInteractive && pm != types.PermissionModeBypass {
				return fmt.Errorf("unknown --permission-mode %q (want interactive or bypass)", permissionMode)
			}

			store, err := gatewaycfg.LoadAdapterStore(adaptersPath())
			if err != nil {
				return err
			}

			spec := gatewaycfg.AdapterSpec{
				AgentID:        types.AgentIDType(uuid.NewString()),
				Name:           name,
				Type:           at,
				Command:        command,
				Args:           args,
				WorkingDir:     workingDir,
				PermissionMode: pm,
				Model:          model,
				ThinkingMode:   thinkingMode,
				EffortLevel:    effortLevel,
				RoomID:         types.RoomIDType(roomID),
			}
			if err := store.Upsert(spec); err != nil {
				return err
			}
			fmt.Printf("registered agent %s (%s)\n", spec.AgentID, spec.Name)
			fmt.Println("a running `daemon` picks this up automatically via its adapters.json watch")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the agent")
	cmd.Flags().StringVar(&agentType, "type", string(types.AgentTypeGeneric), "claude-code, codex, gemini, or generic")
	cmd.Flags().StringVar(&command, "command", "", "executable to spawn for each turn")
	cmd.Flags().StringSliceVar(&args, "arg", nil, "argument to pass the command (repeatable)")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "working directory the agent operates in")
	cmd.Flags().StringVar(&permissionMode, "permission-mode", string(types.PermissionModeInteractive), "interactive or bypass")
	cmd.Flags().StringVar(&model, "model", "", "model identifier, if the backend takes one")
	cmd.Flags().StringVar(&thinkingMode, "thinking-mode", "", "thinking/reasoning mode, if the backend takes one")
	cmd.Flags().StringVar(&effortLevel, "effort-level", "", "effort level, if the backend takes one")
	cmd.Flags().StringVar(&roomID, "room-id", "", "room this agent is registered into")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agent adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := gatewaycfg.LoadAdapterStore(adaptersPath())
			if err != nil {
				return err
			}
			specs := store.List()
			if len(specs) == 0 {
				fmt.Println("no agents registered")
				return nil
			}
			for _, s := range specs {
				fmt.Printf("%-36s  %-10s  %-14s  %s %s\n", s.AgentID, s.Type, s.Name, s.Command, strings.Join(s.Args, " "))
			}
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <agentId>",
		Short: "Unregister an agent adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := types.AgentIDType(args[0])

			store, err := gatewaycfg.LoadAdapterStore(adaptersPath())
			if err != nil {
				return err
			}
			if _, ok := store.Get(agentID); !ok {
				return fmt.Errorf("no such agent: %s", agentID)
			}
			if err := store.Remove(agentID); err != nil {
				return err
			}

			sessions, err := gatewaycfg.LoadSessionMap(sessionsPath())
			if err == nil {
				_ = sessions.Forget(agentID)
			}

			fmt.Printf("unregistered %s\n", agentID)
			return nil
		},
	}
}
