// Command tiflisd is the tiflis workstation daemon. It registers with the
// tunnel, runs agent and terminal sessions, and serves the local ops
// endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/app"
	"github.com/tiflis-io/tiflis-code/internal/config"
	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/internal/history/postgres"
	"github.com/tiflis-io/tiflis-code/internal/history/sqlite"
	"github.com/tiflis-io/tiflis-code/internal/observe"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

// shutdownTimeout bounds the graceful teardown of sessions and stores.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "tiflis.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tiflisd: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tiflisd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	slog.Info("tiflisd starting",
		"version", version,
		"config", *configPath,
		"tunnel_url", cfg.Tunnel.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tiflisd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Store drivers ─────────────────────────────────────────────────────────
	drivers := config.NewRegistry()
	registerStoreDrivers(drivers)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.Info{Version: version}, drivers)
	if err != nil {
		slog.Error("failed to initialise workstation", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(application, level, old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("workstation ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Store drivers ───────────────────────────────────────────────────────────

// registerStoreDrivers wires the history store drivers this build ships into
// reg. The sqlite driver creates the data directory on first boot.
func registerStoreDrivers(reg *config.Registry) {
	reg.RegisterStore(config.DriverSQLite, func(_ context.Context, cfg config.HistoryConfig) (history.Store, error) {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		return sqlite.New(cfg.Path)
	})
	reg.RegisterStore(config.DriverPostgres, func(ctx context.Context, cfg config.HistoryConfig) (history.Store, error) {
		return postgres.New(ctx, cfg.DSN)
	})
}

// ── Config hot reload ───────────────────────────────────────────────────────

// applyReload applies the hot-reloadable subset of a config change: log
// level, agent aliases and hidden types. Everything else needs a restart.
func applyReload(application *app.App, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		slog.Info("config changed on disk, nothing hot-reloadable; restart to apply")
		return
	}

	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}

	if d.AliasesChanged || d.HiddenTypesChanged {
		err := application.ApplyAgentAliases(new.Agents.Aliases, new.Agents.HiddenTypes)
		if err != nil {
			slog.Error("agent alias reload rejected", "err", err)
			return
		}
		slog.Info("agent aliases reloaded",
			"aliases", len(new.Agents.Aliases),
			"hidden", len(new.Agents.HiddenTypes),
		)
	}
}

// ── Startup summary ─────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         tiflisd startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Tunnel", cfg.Tunnel.TunnelID)
	printRow("History", cfg.History.Driver)
	printRow("Workspaces", cfg.Workspaces.Root)
	printRow("Agent types", fmt.Sprintf("%d", len(cfg.Agents.Types)))
	printRow("Aliases", fmt.Sprintf("%d", len(cfg.Agents.Aliases)))
	printRow("Max sessions", fmt.Sprintf("%d", cfg.Sessions.Max))
	printRow("Ops addr", cfg.Server.OpsAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", name, value)
}

// ── Logger ──────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
