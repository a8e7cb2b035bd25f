package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/approvals"
	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/channels/telegram"
	"github.com/haasonsaas/warden/internal/channels/timer"
	"github.com/haasonsaas/warden/internal/channels/whatsapp"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/credgate"
	"github.com/haasonsaas/warden/internal/executor"
	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/internal/pipeline"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/recovery"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/internal/vault"
	"github.com/haasonsaas/warden/pkg/models"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runStart(cfg)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runStart(cfg *config.Config) error {
	logger := newLogger(cfg.Kernel.LogLevel)
	slog.SetDefault(logger)

	auditLog, err := audit.Open(cfg.Paths.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	j, err := journal.Open(cfg.Paths.JournalDB)
	if err != nil {
		return err
	}
	defer j.Close()

	v := vault.New()
	engine, err := buildPolicyEngine(cfg)
	if err != nil {
		return &configError{err: err}
	}

	gate, err := credgate.New(j, v, auditLog)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(&tools.MemorySaveTool{Journal: j})
	registry.Register(&tools.MemorySearchTool{Journal: j, Ceiling: models.LabelRegulated})
	registry.Register(&tools.AdminListIntegrationsTool{Keys: v.Keys})
	registry.Register(&tools.AdminConnectServiceTool{Gate: gate})

	approvalMgr := approvals.New(cfg.ApprovalTimeout())
	exec := executor.New(engine, v, j, auditLog, approvalMgr, registry, logger)

	local, cloud := buildProviders(cfg)
	commands := make(chan channels.Command, cfg.Kernel.ChannelBufferSize)

	pipe, err := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Policy:    engine,
		Vault:     v,
		Journal:   j,
		Sessions:  sessions.NewStore(),
		Gate:      gate,
		Approvals: approvalMgr,
		Audit:     auditLog,
		Registry:  registry,
		Executor:  exec,
		Local:     local,
		Cloud:     cloud,
		Commands:  commands,
		Metrics:   pipeline.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    logger,
	})
	if err != nil {
		return &configError{err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Adapters.
	var adapters []channels.Adapter
	if cfg.Telegram.Enabled {
		adapters = append(adapters, telegram.New(telegram.Config{
			Token:       cfg.Telegram.BotToken,
			OwnerID:     cfg.Telegram.OwnerID,
			PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSeconds) * time.Second,
		}, j, logger))
	}
	if cfg.WhatsApp.Enabled {
		adapters = append(adapters, whatsapp.New(whatsapp.Config{
			SessionStore: cfg.WhatsApp.SessionStore,
			OwnerJID:     cfg.WhatsApp.OwnerJID,
		}, logger))
	}
	if len(adapters) == 0 {
		return &configError{err: fmt.Errorf("no adapter enabled")}
	}
	if len(cfg.Timers) > 0 {
		jobs := make([]timer.Job, 0, len(cfg.Timers))
		for _, t := range cfg.Timers {
			jobs = append(jobs, timer.Job{Name: t.Name, Spec: t.Spec, Text: t.Prompt})
		}
		adapters = append(adapters, timer.New(jobs, logger))
	}

	// Dynamic tool manifests.
	if cfg.Paths.ToolsDir != "" {
		if _, err := os.Stat(cfg.Paths.ToolsDir); err == nil {
			watcher, werr := tools.NewWatcher(registry, cfg.Paths.ToolsDir, buildManifestTool, logger)
			if werr != nil {
				return werr
			}
			if err := watcher.LoadAll(); err != nil {
				logger.Warn("load tool manifests", "error", err)
			}
			go func() {
				if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
					logger.Error("tool watcher stopped", "error", err)
				}
			}()
		}
	}

	events := make(chan *models.InboundEvent, cfg.Kernel.ChannelBufferSize)
	var wg sync.WaitGroup

	for _, adapter := range adapters {
		adapter := adapter
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.Run(ctx, events); err != nil && ctx.Err() == nil {
				logger.Error("adapter stopped", "adapter", adapter.Name(), "error", err)
			}
		}()
	}

	// Outbound command dispatch.
	wg.Add(1)
	go func() {
		defer wg.Done()
		byName := make(map[string]channels.Adapter, len(adapters))
		for _, a := range adapters {
			byName[a.Name()] = a
		}
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-commands:
				adapter := byName[cmd.Adapter]
				if adapter == nil {
					logger.Warn("command for unknown adapter", "adapter", cmd.Adapter)
					continue
				}
				if err := adapter.Execute(ctx, cmd); err != nil {
					logger.Warn("outbound command failed", "adapter", cmd.Adapter, "error", err)
				}
			}
		}
	}()

	// Recovery runs once the dispatcher is up and before adapters deliver
	// fresh events.
	rec := recovery.New(j, auditLog, cfg.MaxRecoveryAge(), logger)
	report, err := rec.Run()
	if err != nil {
		return err
	}
	pipe.ApplyRecovery(ctx, report)
	logger.Info("recovery complete",
		"retried", report.Retried,
		"resumed", report.Resumed,
		"reprompted", report.Reprompted,
		"abandoned", report.Abandoned,
	)

	// Approval expiry sweep.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pipe.FailExpiredApprovals(ctx)
			}
		}
	}()

	// Event loop: per-principal ordering is enforced inside the pipeline;
	// the loop itself fans events out so principals proceed concurrently.
	logger.Info("warden started", "adapters", len(adapters))
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-shutdownCtx.Done():
				logger.Warn("shutdown timeout; exiting")
			}
			return nil
		case event := <-events:
			go pipe.HandleEvent(ctx, event)
		}
	}
}

// buildPolicyEngine merges configured ceilings and sink labels over the
// defaults.
func buildPolicyEngine(cfg *config.Config) (*policy.Engine, error) {
	engine := policy.WithDefaults(nil)
	ceilings, err := cfg.ParsedLabelCeilings()
	if err != nil {
		return nil, err
	}
	sinks, err := cfg.ParsedSinkLabels()
	if err != nil {
		return nil, err
	}
	if len(ceilings) == 0 && len(sinks) == 0 {
		return engine, nil
	}
	return policy.Merged(engine, ceilings, sinks), nil
}

func buildProviders(cfg *config.Config) (local, cloud providers.Provider) {
	if cfg.LLM.Local.BaseURL != "" {
		local = providers.NewLocalProvider(cfg.LLM.Local.BaseURL, cfg.LLM.Local.Model)
	}
	for _, c := range cfg.LLM.Cloud {
		if c.Provider == "anthropic" && c.APIKey != "" {
			cloud = providers.NewAnthropicProvider(c.APIKey, c.Model)
			break
		}
	}
	return local, cloud
}

// buildManifestTool turns a dynamic manifest into a stub tool that
// reports its configured label; command execution is delegated to the
// external runner named in the manifest.
func buildManifestTool(m tools.Manifest) (tools.Tool, error) {
	return tools.NewManifestTool(m)
}
