package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NoPKT/agentim/internal/adapter"
	"github.com/NoPKT/agentim/internal/agentmgr"
	"github.com/NoPKT/agentim/internal/gatewaycfg"
	"github.com/NoPKT/agentim/internal/gwclient"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/mcpbridge"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/NoPKT/agentim/internal/workspace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// mcpBridgeAddrEnv is the environment variable an adapter-spawned tool
// subprocess reads to find its MCP bridge callback endpoint (spec.md §4.8).
const mcpBridgeAddrEnv = "AGENTIM_MCP_BRIDGE_ADDR"

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the gateway: connect to the broker and host the registered agent fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

// runningAgent bundles everything the daemon tears down when an agent
// is removed from adapters.json.
type runningAgent struct {
	spec   gatewaycfg.AdapterSpec
	bridge *mcpbridge.Server
}

func runDaemon(parentCtx context.Context) error {
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := gatewaycfg.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ServerURL == "" {
		return fmt.Errorf("no server configured - run `agentim-gateway login --server <url>` first")
	}
	if cfg.GatewayToken == "" {
		return fmt.Errorf("AGENTIM_GATEWAY_TOKEN is not set")
	}

	adapterStore, err := gatewaycfg.LoadAdapterStore(adaptersPath())
	if err != nil {
		return fmt.Errorf("load adapters: %w", err)
	}
	sessionMap, err := gatewaycfg.LoadSessionMap(sessionsPath())
	if err != nil {
		return fmt.Errorf("load session map: %w", err)
	}

	prober := workspace.NewProber()

	// client and manager construct each other (client.manager is the
	// BrokerLink manager needs, manager is what client's inbound frame
	// handler dispatches to), so client is built with a nil manager and
	// wired in right after.
	client := gwclient.New(cfg.ServerURL, cfg.GatewayToken, nil, prober)
	manager := agentmgr.NewManager(client, prober, sessionMap)
	client.SetManager(manager)

	running := make(map[types.AgentIDType]*runningAgent)

	reconcile := func() {
		specs := adapterStore.List()
		desired := make(map[types.AgentIDType]gatewaycfg.AdapterSpec, len(specs))
		for _, s := range specs {
			desired[s.AgentID] = s
		}

		for agentID, ra := range running {
			if _, ok := desired[agentID]; !ok {
				logging.Info(ctx, "agent removed from adapters.json, tearing down", zap.String("agent_id", string(agentID)))
				_ = manager.UnregisterAgent(ctx, agentID)
				_ = ra.bridge.Shutdown(ctx)
				client.UnregisterAgentWire(agentID)
				delete(running, agentID)
			}
		}

		for agentID, spec := range desired {
			if _, ok := running[agentID]; ok {
				continue
			}
			ra, err := startAgent(ctx, client, manager, spec, sessionMap)
			if err != nil {
				logging.Warn(ctx, "failed to start agent", zap.String("agent_id", string(agentID)), zap.Error(err))
				continue
			}
			running[agentID] = ra
		}
	}

	reconcile()
	if err := adapterStore.Watch(reconcile); err != nil {
		logging.Warn(ctx, "adapters file watch failed, hot-reload disabled", zap.Error(err))
	} else {
		defer adapterStore.StopWatching()
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- client.Run(ctx) }()

	logging.Info(ctx, "gateway daemon started", zap.String("server", cfg.ServerURL), zap.Int("agents", len(running)))

	select {
	case <-ctx.Done():
	case err := <-runErrCh:
		if err != nil {
			logging.Warn(ctx, "broker connection loop exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ra := range running {
		_ = ra.bridge.Shutdown(shutdownCtx)
	}
	if err := manager.DisposeAll(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "manager shutdown reported error", zap.Error(err))
	}
	client.Close()
	logging.Info(context.Background(), "gateway daemon exited")
	return nil
}

// startAgent builds one agent's mcpbridge.Server, spawns its adapter
// (a ProcessAdapter CLI wrapper, or an SDKAdapter when spec.SDKAPIKeyEnv
// is set; only a ProcessAdapter's child gets the bridge's address in its
// environment, an SDKAdapter is not given it), registers both
// with the Agent Manager, and announces the agent to the broker
// (spec.md §4.3: register_agent; §4.8: the bridge listens before the
// first turn can reach it). A session id previously recorded for this
// agent is fed back in so a gateway restart resumes instead of starting
// a fresh context window (spec.md §4.4/§4.6).
func startAgent(ctx context.Context, client *gwclient.Client, manager *agentmgr.Manager, spec gatewaycfg.AdapterSpec, sessions *gatewaycfg.SessionMap) (*runningAgent, error) {
	link := gwclient.NewBridgeLink(client, spec.AgentID)
	bridge, err := mcpbridge.NewServer(spec.AgentID, spec.RoomID, link)
	if err != nil {
		return nil, fmt.Errorf("start mcp bridge: %w", err)
	}
	go func() {
		if err := bridge.Serve(); err != nil {
			logging.Warn(ctx, "mcp bridge server exited", zap.String("agent_id", string(spec.AgentID)), zap.Error(err))
		}
	}()

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[mcpBridgeAddrEnv] = bridge.Addr()

	resumeSessionID := sessions.Get(spec.AgentID)

	var a adapter.Adapter
	if spec.SDKAPIKeyEnv != "" {
		a = adapter.NewSDKAdapter(os.Getenv(spec.SDKAPIKeyEnv), adapter.SDKConfig{
			Model:           spec.Model,
			ThinkingMode:    spec.ThinkingMode,
			EffortLevel:     spec.EffortLevel,
			MCPServerIDs:    spec.MCPServerIDs,
			ResumeSessionID: resumeSessionID,
		})
	} else {
		args := spec.Args
		if resumeSessionID != "" {
			args = append(append([]string{}, spec.Args...), "--session-id", resumeSessionID)
		}
		a = adapter.NewProcessAdapter(adapter.ProcessConfig{
			Command:      spec.Command,
			Args:         args,
			Env:          env,
			WorkingDir:   spec.WorkingDir,
			Model:        spec.Model,
			ThinkingMode: spec.ThinkingMode,
			EffortLevel:  spec.EffortLevel,
			MCPServerIDs: spec.MCPServerIDs,
		})
	}

	agent := types.Agent{
		ID:             spec.AgentID,
		Name:           spec.Name,
		Type:           spec.Type,
		WorkingDir:     spec.WorkingDir,
		PermissionMode: spec.PermissionMode,
		Status:         types.AgentStatusOnline,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
		LastSeenAt:     time.Now(),
	}

	manager.RegisterAgent(agent, a)
	manager.SetBridge(spec.AgentID, bridge)
	client.RegisterAgent(agent)

	return &runningAgent{spec: spec, bridge: bridge}, nil
}
