package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/basket/labclaw/internal/audit"
	"github.com/basket/labclaw/internal/bus"
	"github.com/basket/labclaw/internal/config"
	"github.com/basket/labclaw/internal/cron"
	"github.com/basket/labclaw/internal/engine"
	"github.com/basket/labclaw/internal/events"
	"github.com/basket/labclaw/internal/gateway"
	otelpkg "github.com/basket/labclaw/internal/otel"
	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/sandbox"
	"github.com/basket/labclaw/internal/skills"
	"github.com/basket/labclaw/internal/telemetry"
	"github.com/basket/labclaw/internal/workspace"
)

const shutdownTimeout = 5 * time.Second

func (c *ServeCmd) Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return reportStartup(ctx, nil, startupErr("E_CONFIG_LOAD", err))
	}
	if c.Bind != "" {
		cfg.BindAddr = c.Bind
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, c.Quiet)
	if err != nil {
		return reportStartup(ctx, nil, startupErr("E_LOGGER_INIT", err))
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		return reportStartup(ctx, logger, startupErr("E_AUDIT_INIT", err))
	}
	defer audit.Close()

	if err := serve(ctx, cfg, logger); err != nil {
		return reportStartup(ctx, logger, err)
	}
	return nil
}

// reportStartup records a fatal startup error with its reason code.
func reportStartup(ctx context.Context, logger *slog.Logger, err error) error {
	code := "E_RUNTIME"
	var se *startupError
	if errors.As(err, &se) {
		code = se.code
	}
	audit.Record(ctx, "fatal", "runtime.startup", code, err.Error(), "")
	if logger != nil {
		logger.Error("startup failure", "reason_code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":"%s","level":"ERROR","component":"labclaw","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), code, err.Error())
	}
	return errSilentExit
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.NeedsSetup {
		logger.Info("no config.yaml found, running with defaults", "home", cfg.HomeDir)
	}
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelCfg := cfg.OTel
	otelCfg.ServiceVersion = Version
	provider, err := otelpkg.Init(ctx, otelCfg)
	if err != nil {
		return startupErr("E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	engine.SetContextLimitOverrides(cfg.ContextLimits)

	if err := bootstrapPolicy(cfg.PolicyPath()); err != nil {
		return startupErr("E_POLICY_BOOTSTRAP", err)
	}
	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return startupErr("E_POLICY_LOAD", err)
	}
	live := policy.NewLivePolicy(pol)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", live.PolicyVersion())

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return startupErr("E_STORE_OPEN", err)
	}
	defer store.Close()

	ws, err := workspace.Open(ctx, workspace.Config{
		Root:        cfg.WorkspaceDir(),
		MaxVersions: cfg.Workspace.MaxVersions,
		Logger:      logger,
	})
	if err != nil {
		return startupErr("E_WORKSPACE_OPEN", err)
	}
	defer ws.Close()

	sb, closeRunner, err := newSandbox(cfg, live, logger)
	if err != nil {
		return startupErr("E_SANDBOX_INIT", err)
	}
	defer closeRunner()
	sb.SetMetrics(provider.Metrics)
	caps := sb.Capabilities(ctx)
	logger.Info("startup phase", "phase", "sandbox_probed",
		"backend", cfg.Sandbox.Backend,
		"python", caps[policy.Python].Available,
		"r", caps[policy.R].Available)

	aug, err := newRetrieval(ctx, cfg, logger)
	if err != nil {
		return startupErr("E_RETRIEVAL_INIT", err)
	}
	if aug != nil {
		defer aug.Close()
	}

	reg, err := newRegistry(ctx, cfg, sb, ws, aug, logger)
	if err != nil {
		return startupErr("E_SKILLS_INIT", err)
	}
	logger.Info("startup phase", "phase", "skills_loaded", "skills", len(reg.List().Descriptors()))

	eventBus := bus.New()
	mux := events.New(events.Config{
		QueueSize:   cfg.Events.QueueSize,
		EmitTimeout: time.Duration(cfg.Events.EmitTimeoutSeconds) * time.Second,
		Logger:      logger,
		Metrics:     provider.Metrics,
	})

	model, err := engine.NewGenkitModel(ctx, engine.ModelConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.ProviderAPIKey(),
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return startupErr("E_MODEL_INIT", err)
	}

	deps := engine.Deps{
		Store:   store,
		Model:   model,
		Skills:  reg,
		Events:  mux,
		Metrics: provider.Metrics,
		Logger:  logger,
	}
	if aug != nil {
		deps.Retriever = aug
	}
	orch, err := engine.NewOrchestrator(deps, engine.Config{
		SystemPrompt:    cfg.LLM.SystemPrompt,
		MaxIterations:   cfg.LLM.MaxIterations,
		MaxModelRetries: cfg.LLM.MaxModelRetries,
		ModelTimeout:    time.Duration(cfg.LLM.ModelTimeoutSeconds) * time.Second,
		ToolTimeout:     time.Duration(cfg.LLM.ToolTimeoutSeconds) * time.Second,
		RetrievalK:      cfg.Retrieval.TopK,
		ModelName:       model.Name(),
	})
	if err != nil {
		return startupErr("E_ENGINE_INIT", err)
	}
	compactor := engine.NewCompactor(store, model, eventBus, engine.CompactorConfig{
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		ThresholdRatio: cfg.Compaction.ThresholdRatio,
		KeepRecent:     cfg.Compaction.KeepRecent,
		MinMessages:    cfg.Compaction.MinMessages,
	}, logger)
	eng := engine.New(orch, compactor, logger)
	if err := eng.Recover(ctx); err != nil {
		return startupErr("E_ENGINE_RECOVER", err)
	}

	gwCfg := gateway.Config{
		Engine:            eng,
		Store:             store,
		Workspace:         ws,
		Skills:            reg,
		Events:            mux,
		Bus:               eventBus,
		Compactor:         compactor,
		Policy:            live,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		CompressThreshold: cfg.Compaction.MinMessages,
		ChatPerMinute:     cfg.ChatPerMinute,
		Logger:            logger,
	}
	if aug != nil {
		gwCfg.Retrieval = aug
	}
	gw, err := gateway.New(gwCfg)
	if err != nil {
		return startupErr("E_GATEWAY_INIT", err)
	}

	startWatchers(ctx, cfg, reg, live, eventBus, logger)

	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs:   maintenanceJobs(cfg, ws, sb, reg, eventBus, logger),
	})
	if err != nil {
		return startupErr("E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return startupErr("E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return startupErr("E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let running turns finish within the drain window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelDrain()
	if err := eng.Shutdown(drainCtx); err != nil {
		logger.Warn("engine drain incomplete", "error", err)
	}
	if err := gw.Wait(drainCtx); err != nil {
		logger.Warn("gateway turns still running at exit", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// startWatchers follows skill directories and policy.yaml. Every applied
// change is announced on the bus.
func startWatchers(ctx context.Context, cfg config.Config, reg *skills.Registry, live *policy.LivePolicy, b *bus.Bus, logger *slog.Logger) {
	if cfg.Skills.Watch && len(cfg.Skills.Dirs) > 0 {
		sw := skills.NewWatcher(cfg.Skills.Dirs, reg, logger)
		if err := sw.Start(ctx); err != nil {
			logger.Warn("skills watcher disabled", "error", err)
		} else {
			go func() {
				for range sw.Events() {
					snap := reg.List()
					b.Publish(bus.TopicSkillsRebuilt, bus.SkillsRebuiltNotice{Version: snap.Version, Count: len(snap.Descriptors())})
				}
			}()
		}
	}

	cw := config.NewWatcher(cfg.HomeDir, logger)
	if err := cw.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		return
	}
	go config.FollowPolicy(ctx, cw.Events(), live, b, logger)
}

func maintenanceJobs(cfg config.Config, ws *workspace.Store, sb *sandbox.Engine, reg *skills.Registry, b *bus.Bus, logger *slog.Logger) []cron.Job {
	return []cron.Job{
		{
			Name: "workspace-sweep",
			Spec: cfg.Workspace.SweepSchedule,
			Run: func(ctx context.Context) error {
				report, err := ws.Sweep(ctx)
				if err != nil {
					return err
				}
				if report.Staging > 0 || report.Orphans > 0 {
					logger.Info("workspace swept", "staging", report.Staging, "orphans", report.Orphans)
					b.Publish(bus.TopicWorkspaceSwept, bus.SweepNotice{Staging: report.Staging, Orphans: report.Orphans})
				}
				return nil
			},
		},
		{
			Name: "sandbox-capabilities",
			Spec: cfg.Sandbox.CapabilitySchedule,
			Run: func(ctx context.Context) error {
				return refreshCapabilities(ctx, sb, reg, b)
			},
		},
	}
}

// refreshCapabilities re-probes the runtimes. When availability changed the
// registry is rebuilt so code skills follow the runtimes.
func refreshCapabilities(ctx context.Context, sb *sandbox.Engine, reg *skills.Registry, b *bus.Bus) error {
	before := map[policy.Language]bool{
		policy.Python: sb.Available(policy.Python),
		policy.R:      sb.Available(policy.R),
	}
	after := sb.RefreshCapabilities(ctx)
	if before[policy.Python] == after[policy.Python].Available && before[policy.R] == after[policy.R].Available {
		return nil
	}
	b.Publish(bus.TopicCapabilitiesChanged, bus.CapabilitiesNotice{
		Python: after[policy.Python].Available,
		R:      after[policy.R].Available,
	})
	if err := reg.Rebuild(ctx); err != nil {
		return err
	}
	snap := reg.List()
	b.Publish(bus.TopicSkillsRebuilt, bus.SkillsRebuiltNotice{Version: snap.Version, Count: len(snap.Descriptors())})
	return nil
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if pids := strings.TrimSpace(string(out)); err == nil && pids != "" {
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
