package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opsnomad/gatewayd/internal/agent"
	"github.com/opsnomad/gatewayd/internal/bus"
	"github.com/opsnomad/gatewayd/internal/channels"
	"github.com/opsnomad/gatewayd/internal/channels/discord"
	"github.com/opsnomad/gatewayd/internal/channels/telegram"
	"github.com/opsnomad/gatewayd/internal/config"
	"github.com/opsnomad/gatewayd/internal/cron"
	"github.com/opsnomad/gatewayd/internal/gateway"
	"github.com/opsnomad/gatewayd/internal/heartbeat"
	"github.com/opsnomad/gatewayd/internal/mcp"
	"github.com/opsnomad/gatewayd/internal/providers"
	"github.com/opsnomad/gatewayd/internal/sessions"
	"github.com/opsnomad/gatewayd/internal/store"
	"github.com/opsnomad/gatewayd/internal/store/file"
	"github.com/opsnomad/gatewayd/internal/store/pg"
	"github.com/opsnomad/gatewayd/internal/tools"
	"github.com/opsnomad/gatewayd/pkg/protocol"
)

// runGateway wires and starts the gateway orchestrator: one agent loop, one
// session store, one cron store, a heartbeat runner, and the channels this
// instance has credentials for. It blocks until SIGINT/SIGTERM.
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	workspace := config.ExpandHome(cfg.Agent.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		slog.Error("failed to build provider", "provider", cfg.Agent.Provider, "error", err)
		os.Exit(1)
	}

	msgBus := bus.New(256)

	sessionStore, closeStore, err := buildSessionStore(cfg)
	if err != nil {
		slog.Error("failed to open session store", "backend", cfg.Sessions.Backend, "error", err)
		os.Exit(1)
	}
	if closeStore != nil {
		defer closeStore()
	}

	toolsReg := buildToolRegistry(cfg, workspace)

	var toolPolicy *tools.PolicyEngine
	if cfg.Tools.Profile != "" || len(cfg.Tools.Allow) > 0 || len(cfg.Tools.Deny) > 0 {
		toolPolicy = tools.NewPolicyEngine(&cfg.Tools)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		ID:              cfg.Agent.ID,
		Provider:        provider,
		Model:           cfg.Agent.Model,
		ContextWindow:   cfg.Agent.ContextWindow,
		MaxIterations:   cfg.Agent.MaxToolIterations,
		Workspace:       workspace,
		ThinkingLevel:   cfg.Agent.ThinkingLevel,
		Bus:             msgBus,
		Sessions:        sessionStore,
		Tools:           toolsReg,
		ToolPolicy:      toolPolicy,
		OnEvent: func(ev agent.AgentEvent) {
			msgBus.Broadcast(bus.Event{Name: protocol.ChatWireEvent(ev.Type), Payload: ev})
		},
		MaxToolsPerCall: cfg.Tools.MaxToolsPerCall,
		PriorityPrefix:  cfg.Tools.PriorityPrefix,
		OwnerIDs:        cfg.Gateway.OwnerIDs,
		CompactionFloor: cfg.Sessions.CompactionFloor,
		KeepRecent:      cfg.Sessions.KeepRecent,
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
	})

	stateDir := cfg.StateDirPath()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("failed to create state dir", "path", stateDir, "error", err)
		os.Exit(1)
	}

	var cronStore store.CronStore
	if cfg.Cron.Enabled {
		fileCron, err := cron.NewFileStore(stateDir, cfg.Cron)
		if err != nil {
			slog.Error("failed to open cron store", "error", err)
			os.Exit(1)
		}
		fileCron.SetExecutor(makeCronExecutor(loop, cfg))
		fileCron.SetDeliverFunc(func(ctx context.Context, channel, to, text string) error {
			if channel == "" || to == "" {
				return fmt.Errorf("cron: delivery requested but payload.channel/payload.to are empty")
			}
			msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: to, Content: text})
			return nil
		})
		fileCron.SetEventSink(func(event, jobID string, run *store.CronRun) {
			wireName := protocol.EventCronRunComplete
			if event == "cron.run.start" {
				wireName = protocol.EventCronRunStart
			}
			msgBus.Broadcast(bus.Event{Name: wireName, Payload: map[string]interface{}{
				"event": event,
				"jobId": jobID,
				"run":   run,
			}})
		})
		cronStore = fileCron
	}

	mainSessionKey := sessions.BuildAgentMainSessionKey(cfg.Agent.ID, "main")
	heartbeatRunner := heartbeat.NewRunner(cfg.Heartbeat, workspace, mainSessionKey,
		func(ctx context.Context, sessionKey, prompt string) (string, error) {
			result, err := loop.Run(ctx, agent.RunRequest{
				SessionKey: sessionKey,
				Message:    prompt,
				Channel:    "heartbeat",
				RunID:      fmt.Sprintf("heartbeat:%d", time.Now().UnixNano()),
			})
			if err != nil {
				return "", err
			}
			return result.Content, nil
		},
		func(ctx context.Context, target, text string) error {
			channel, chatID, ok := splitDeliveryTarget(target)
			if !ok {
				return fmt.Errorf("heartbeat: malformed delivery target %q (want channel:chatId)", target)
			}
			msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: text})
			return nil
		},
		func(res heartbeat.Result) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventHeartbeatResult, Payload: res})
		},
	)

	server := gateway.NewServer(cfg, msgBus, loop, sessionStore, cronStore, toolsReg)
	mcpExposer := mcp.NewExposer(cfg.Mcp, toolsReg)

	channelMgr := channels.NewManager(msgBus)
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to create discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel(ch.Name(), ch)
		}
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to create telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel(ch.Name(), ch)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	if cronStore != nil {
		if err := cronStore.Start(); err != nil {
			slog.Error("failed to start cron scheduler", "error", err)
		}
	}
	heartbeatRunner.Start(ctx)
	if err := mcpExposer.Start(ctx); err != nil {
		slog.Error("failed to start mcp exposer", "error", err)
	}

	go consumeInbound(ctx, msgBus, loop, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Start(ctx) }()

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErrCh:
		if err != nil {
			slog.Error("gateway server exited", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := channelMgr.StopAll(shutdownCtx); err != nil {
		slog.Error("error stopping channels", "error", err)
	}
	if err := mcpExposer.Stop(shutdownCtx); err != nil {
		slog.Error("error stopping mcp exposer", "error", err)
	}
	heartbeatRunner.Stop()
	if cronStore != nil {
		cronStore.Stop()
	}

	slog.Info("gateway stopped")
}

// buildProvider constructs the single configured LLM provider. The gateway
// orchestrator drives exactly one agent against exactly one provider.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	switch cfg.Agent.Provider {
	case "anthropic":
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but GATEWAYD_ANTHROPIC_API_KEY is not set")
		}
		opts := []providers.AnthropicOption{
			providers.WithAnthropicModel(cfg.Agent.Model),
			providers.WithAnthropicAgentID(cfg.Agent.ID),
		}
		if cfg.Providers.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase))
		}
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, opts...), nil
	case "openai":
		if cfg.Providers.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai provider selected but GATEWAYD_OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Agent.Model).WithAgentID(cfg.Agent.ID), nil
	case "dashscope":
		if cfg.Providers.DashScope.APIKey == "" {
			return nil, fmt.Errorf("dashscope provider selected but GATEWAYD_DASHSCOPE_API_KEY is not set")
		}
		return providers.NewDashScopeProvider(cfg.Providers.DashScope.APIKey, cfg.Providers.DashScope.APIBase, cfg.Agent.Model, cfg.Agent.MaxTokens, cfg.Agent.ID), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want \"anthropic\", \"openai\", or \"dashscope\")", cfg.Agent.Provider)
	}
}

// buildSessionStore opens the configured session/transcript backend. The
// returned close func is nil for the file backend, which owns no resources
// beyond what the OS already reclaims on exit.
func buildSessionStore(cfg *config.Config) (store.SessionStore, func(), error) {
	switch cfg.Sessions.Backend {
	case "", "file":
		mgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage), cfg.Sessions.Reset, cfg.Sessions.ResetByType, cfg.Sessions.ResetByChannel)
		return file.NewFileSessionStore(mgr), nil, nil
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, nil, fmt.Errorf("postgres backend selected but GATEWAYD_POSTGRES_DSN is not set")
		}
		sessionStore, pgStore, err := pg.NewPGSessionsStore(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return sessionStore, func() { pgStore.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

// buildToolRegistry registers the filesystem, shell, and web tools every
// agent turn can reach. Trading/business tools are out of scope here.
func buildToolRegistry(cfg *config.Config, workspace string) *tools.Registry {
	reg := tools.NewRegistry()
	restrict := true

	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewListFilesTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict))

	reg.Register(tools.NewSessionsListTool())
	reg.Register(tools.NewSessionStatusTool())
	reg.Register(tools.NewSessionsHistoryTool())
	reg.Register(tools.NewSessionsSendTool())

	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	// DuckDuckGo needs no API key, so it's always on; Brave stays off until
	// a config surface for its API key exists.
	if t := tools.NewWebSearchTool(tools.WebSearchConfig{DDGEnabled: true}); t != nil {
		reg.Register(t)
	}

	return reg
}

// makeCronExecutor adapts a cron job's payload into an agent turn, building
// an isolated session per run unless the job targets the main session.
func makeCronExecutor(loop *agent.Loop, cfg *config.Config) store.CronExecutor {
	return func(job *store.CronJob) *store.CronJobResult {
		var sessionKey string
		if job.SessionTarget == store.SessionTargetMain {
			sessionKey = sessions.BuildAgentMainSessionKey(cfg.Agent.ID, "main")
		} else {
			sessionKey = sessions.BuildCronSessionKey(cfg.Agent.ID, job.ID, fmt.Sprintf("%d", time.Now().UnixNano()))
		}

		result, err := loop.Run(context.Background(), agent.RunRequest{
			SessionKey: sessionKey,
			Message:    job.Payload.Message,
			Channel:    job.Payload.Channel,
			ChatID:     job.Payload.To,
			UserID:     job.UserID,
			RunID:      fmt.Sprintf("cron:%s", job.ID),
		})
		if err != nil {
			return &store.CronJobResult{Error: err}
		}

		jobResult := &store.CronJobResult{Content: result.Content}
		if result.Usage != nil {
			jobResult.InputTokens = result.Usage.PromptTokens
			jobResult.OutputTokens = result.Usage.CompletionTokens
		}
		return jobResult
	}
}

// consumeInbound drains channel-delivered messages and runs each one
// through the agent loop, publishing the reply back out through the bus.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, loop *agent.Loop, cfg *config.Config) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		kind := sessions.PeerKindFromGroup(msg.PeerKind == string(sessions.PeerGroup))
		accountID := sessions.ResolveIdentity(cfg.Sessions.IdentityLinks, msg.Channel, msg.UserID)
		sessionKey := sessions.BuildScopedSessionKey(cfg.Agent.ID, msg.Channel, kind, msg.ChatID, string(cfg.Sessions.DMScope), "main", accountID)

		result, err := loop.Run(ctx, agent.RunRequest{
			SessionKey:   sessionKey,
			Message:      msg.Content,
			Channel:      msg.Channel,
			ChatID:       msg.ChatID,
			PeerKind:     msg.PeerKind,
			UserID:       msg.UserID,
			RunID:        fmt.Sprintf("%s:%d", msg.Channel, time.Now().UnixNano()),
			HistoryLimit: msg.HistoryLimit,
		})
		if err != nil {
			if err == agent.ErrSessionBusy {
				slog.Warn("agent run dropped: session busy", "channel", msg.Channel, "chatId", msg.ChatID, "sessionKey", sessionKey)
			} else {
				slog.Error("agent run failed", "channel", msg.Channel, "chatId", msg.ChatID, "error", err)
			}
			continue
		}

		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: result.Content,
		})
	}
}

// splitDeliveryTarget parses a heartbeat "channel:chatId" delivery target.
func splitDeliveryTarget(target string) (channel, chatID string, ok bool) {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			return target[:i], target[i+1:], true
		}
	}
	return "", "", false
}
