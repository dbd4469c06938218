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

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/debounce"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/restart"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/telemetry"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func runGateway(ctx context.Context) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	log := slog.Default()

	cfgPath := resolveConfigPath()
	manager := config.NewManager(cfgPath)
	snap, err := manager.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, issue := range snap.Issues {
		log.Warn("config issue", "issue", issue)
	}
	cfg := snap.Config

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	msgBus := bus.NewMessageBus()
	sessStore := sessions.NewStore(cfg.Sessions.StorePath, cfg.Sessions.BaseDir)
	ledger := approvals.NewLedger()
	approvalsFile := approvals.NewFileStore(cfg.Exec.ApprovalsPath)

	if cfg.Audit.Path != "" {
		auditLog, auditErr := store.NewAuditLog(cfg.Audit.Path)
		if auditErr != nil {
			log.Warn("audit log unavailable", "path", cfg.Audit.Path, "error", auditErr)
		} else {
			defer auditLog.Close()
			msgBus.Subscribe("audit", auditLog.EventRecorder())
		}
	}

	channelMgr := channels.NewManager(msgBus)
	for name, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			continue
		}
		switch name {
		case "telegram":
			adapter, adapterErr := telegram.New(chCfg)
			if adapterErr != nil {
				return fmt.Errorf("channel %s: %w", name, adapterErr)
			}
			channelMgr.Register(adapter, chCfg)
		default:
			log.Warn("unknown channel in config", "channel", name)
		}
	}

	runner, err := buildRunner(cfg, log)
	if err != nil {
		return err
	}

	registry := dispatch.NewRegistry()
	consumer := newConsumer(consumerDeps{
		cfg:      cfg,
		bus:      msgBus,
		sessions: sessStore,
		channels: channelMgr,
		registry: registry,
		run:      runner,
		tracer:   tel.Tracer("clawgate/consumer"),
		log:      log,
	})

	sched := scheduler.New(scheduler.Options{
		Invoke: consumer.invoke,
		Defaults: scheduler.Settings{
			Mode:       scheduler.Mode(cfg.Queue.Mode),
			Cap:        cfg.Queue.Cap,
			Drop:       scheduler.DropPolicy(cfg.Queue.Drop),
			DebounceMs: cfg.Queue.DebounceMs,
		},
		OnError: consumer.onRunError,
		Logger:  log,
	})
	consumer.sched = sched

	debouncer := debounce.New(debounce.Options{
		Window:    time.Duration(cfg.Queue.DebounceMs) * time.Millisecond,
		WindowFor: consumer.debounceWindow,
		BuildKey:  func(e debounce.Entry) string { return e.Env.CoalesceKey() },
		OnFlush:   consumer.flush,
		OnError: func(err error) {
			log.Warn("inbound flush failed", "error", err)
		},
	})
	consumer.debouncer = debouncer
	defer debouncer.Stop()

	gate := restart.NewGate(sched.TotalQueueSize, registry.TotalPendingReplies)
	sentinelPath := filepath.Join(cfg.Sessions.BaseDir, "restart-sentinel.json")
	restartSched := restart.NewScheduler(gate, sentinelPath,
		time.Duration(cfg.Gateway.RestartTimeoutMs)*time.Millisecond, log)

	server := gateway.NewServer(gateway.Deps{
		Config:         cfg,
		ConfigManager:  manager,
		Events:         msgBus,
		Chat:           consumer,
		Nodes:          newLocalNodes(cfg, log),
		Ledger:         ledger,
		ApprovalsFile:  approvalsFile,
		Restart:        restartSched,
		Sessions:       sessStore,
		Webhook:        channelMgr.HandleWebhook,
		QueueSize:      sched.TotalQueueSize,
		PendingReplies: registry.TotalPendingReplies,
	})

	if err := manager.Watch(ctx, func(snap config.Snapshot) {
		log.Info("config file changed on disk", "hash", snap.Hash, "valid", snap.Valid)
		msgBus.Broadcast(bus.Event{Name: protocol.EventConfigChanged, Payload: map[string]any{
			"hash":   snap.Hash,
			"source": "file",
		}})
	}, log); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		log.Warn("channel startup incomplete", "error", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		channelMgr.StopAll(stopCtx)
	}()

	// Announce the restart in the conversation that caused it.
	if sentinel, ok := restart.ReadSentinel(sentinelPath); ok {
		consumer.announceRestart(ctx, sentinel)
	}

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { consumer.loop(gctx); return nil })
	if cfg.Tailscale.Hostname != "" {
		g.Go(func() error { return server.StartTailscale(gctx, cfg.Tailscale) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-usr1:
			log.Info("restart signal received, re-execing", "pid", os.Getpid())
			return reexec()
		}
	})
	return g.Wait()
}

// buildRunner wires the configured agent command, or a placeholder that
// surfaces the misconfiguration on first use.
func buildRunner(cfg *config.Config, log *slog.Logger) (agent.RunFunc, error) {
	if len(cfg.Agents.Command) == 0 {
		log.Warn("agents.command not configured; agent runs will fail until it is set")
		return func(context.Context, agent.RunRequest, agent.RunHooks) (agent.RunResult, error) {
			return agent.RunResult{}, fmt.Errorf("no agent runner configured (set agents.command)")
		}, nil
	}
	runner, err := agent.NewProcessRunner(cfg.Agents.Command, cfg.Agents.WorkDir,
		time.Duration(cfg.Agents.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return runner.Run, nil
}

// reexec replaces the process image in place; the restart sentinel written
// beforehand survives for the next incarnation to announce.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
