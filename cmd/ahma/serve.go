package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	osexec "os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahma-mcp/ahma/internal/catalog"
	"github.com/ahma-mcp/ahma/internal/envconfig"
	"github.com/ahma-mcp/ahma/internal/exec"
	"github.com/ahma-mcp/ahma/internal/exec/shellpool"
	"github.com/ahma-mcp/ahma/internal/httpsession"
	"github.com/ahma-mcp/ahma/internal/metrics"
	"github.com/ahma-mcp/ahma/internal/operation"
	"github.com/ahma-mcp/ahma/internal/toolservice"
)

// ServeCmd starts the MCP adapter, either over stdio (one client per
// process) or over HTTP (one subprocess per session, re-exec'd with
// --defer-sandbox so the HTTP Session Manager's roots handshake controls
// when the sandbox locks).
type ServeCmd struct {
	ToolsDir     string `name:"tools-dir" help:"Directory containing tool-definition JSON files." type:"path" required:""`
	GuidanceFile string `name:"guidance-file" help:"Optional path to a tool-guidance text file." type:"path"`
	Strict       bool   `help:"Treat unknown fields in tool definitions as errors and skip any tool file with validation errors."`
	ForceSync    bool   `name:"force-sync" help:"Force every tool call to execute synchronously, ignoring per-tool async settings."`
	DeferSandbox bool   `name:"defer-sandbox" help:"Defer sandbox binding until the workspace-roots handshake completes." hidden:""`
	TestMode     bool   `name:"test-mode" help:"Relax sandbox-readiness gating for test harnesses." hidden:""`

	HTTP bool   `help:"Serve multi-session JSON-RPC over HTTP instead of stdio."`
	Addr string `help:"HTTP listen address, used with --http." default:":8080"`
}

func (c *ServeCmd) Run(cli *CLI, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("ahma: shutting down")
		cancel()
	}()

	cat := catalog.New(c.ToolsDir, c.Strict)
	if err := cat.Load(ctx); err != nil {
		return fmt.Errorf("loading tool catalog: %w", err)
	}
	if _, err := cat.Watch(ctx); err != nil {
		logger.Warn("ahma: tool catalog file watching unavailable", "error", err)
	}
	defer cat.Close()

	var guidance catalog.Guidance
	if c.GuidanceFile != "" {
		g, err := catalog.LoadGuidance(c.GuidanceFile)
		if err != nil {
			return fmt.Errorf("loading guidance file: %w", err)
		}
		guidance = g
	}

	metricsInstance := metrics.New()

	mon := operation.New()
	mon.SetTransitionHook(metricsInstance.ObserveOperation)
	defer mon.Stop()

	adapter, err := exec.New(mon)
	if err != nil {
		return fmt.Errorf("constructing execution adapter: %w", err)
	}
	if envconfig.ShellPoolEnabled() {
		poolCfg := shellpool.DefaultConfig()
		poolCfg.Enabled = true
		adapter.SetPool(shellpool.New(poolCfg, logger))
		logger.Info("ahma: shell pool enabled")
	}
	defer adapter.Shutdown(context.Background())

	if c.HTTP {
		return c.runHTTP(ctx, logger, metricsInstance)
	}

	svc := toolservice.New(toolservice.Options{
		Catalog:      cat,
		Monitor:      mon,
		Adapter:      adapter,
		Guidance:     guidance,
		Logger:       logger,
		DeferSandbox: c.DeferSandbox,
		ForceSync:    c.ForceSync,
		TestMode:     c.TestMode,
	})
	stdio := newStdioServer(svc, os.Stdout, logger)
	return stdio.Run(ctx, os.Stdin)
}

// runHTTP starts the HTTP Session Manager, spawning one stdio subprocess
// per session via sessionSpawnFunc.
func (c *ServeCmd) runHTTP(ctx context.Context, logger *slog.Logger, metricsInstance *metrics.Metrics) error {
	mgr := httpsession.New(httpsession.Options{
		Spawn:   c.sessionSpawnFunc(),
		Logger:  logger,
		Metrics: metricsInstance,
	})

	mux := http.NewServeMux()
	mux.Handle("/", mgr.Router())
	mux.Handle("/metrics", metricsInstance.Handler())

	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ahma: HTTP session manager listening", "addr", c.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// sessionSpawnFunc re-execs the running binary in stdio mode with
// --defer-sandbox, one subprocess per HTTP session, carrying forward the
// same catalog and guidance flags the parent was started with.
func (c *ServeCmd) sessionSpawnFunc() httpsession.SpawnFunc {
	return func(ctx context.Context) *osexec.Cmd {
		exePath, err := os.Executable()
		if err != nil {
			exePath = "ahma"
		}
		args := []string{"serve", "--tools-dir", c.ToolsDir, "--defer-sandbox"}
		if c.GuidanceFile != "" {
			args = append(args, "--guidance-file", c.GuidanceFile)
		}
		if c.Strict {
			args = append(args, "--strict")
		}
		if c.ForceSync {
			args = append(args, "--force-sync")
		}
		return osexec.CommandContext(ctx, exePath, args...)
	}
}
