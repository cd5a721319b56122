// Package app wires all tiflisd subsystems into a running workstation.
//
// The App struct owns the full lifecycle: New constructs every long-lived
// component and connects registry → router → server, Run drives the tunnel
// registration loop alongside the local ops endpoint, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithAgentRuntime, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/tiflis-io/tiflis-code/internal/audio"
	"github.com/tiflis-io/tiflis-code/internal/config"
	"github.com/tiflis-io/tiflis-code/internal/health"
	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/internal/observe"
	"github.com/tiflis-io/tiflis-code/internal/resilience"
	"github.com/tiflis-io/tiflis-code/internal/router"
	"github.com/tiflis-io/tiflis-code/internal/runtime"
	"github.com/tiflis-io/tiflis-code/internal/server"
	"github.com/tiflis-io/tiflis-code/internal/session"
	"github.com/tiflis-io/tiflis-code/internal/workspace"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// storePingAttempts bounds the boot-time reachability check of the history
// store. Postgres may still be coming up when the daemon starts.
const storePingAttempts = 5

// opsShutdownTimeout bounds the drain of in-flight ops requests when Run
// winds down.
const opsShutdownTimeout = 5 * time.Second

// Info identifies this workstation build. Both fields are reported to
// clients on auth.success.
type Info struct {
	// Name is the human-readable workstation name. Defaults to the
	// hostname.
	Name string

	// Version is the daemon build version. Defaults to "dev".
	Version string
}

// App owns every long-lived subsystem of the workstation daemon.
type App struct {
	cfg  *config.Config
	info Info

	metrics  *observe.Metrics
	store    history.Store
	blobs    *audio.Store
	catalog  *workspace.Catalog
	router   *router.Router
	registry *session.Registry
	checks   *health.Handler
	server   *server.Server
	ops      *http.Server

	// Test doubles injected via options. Nil selects the real
	// implementation built from the config.
	storeOverride     history.Store
	agentsOverride    session.AgentRuntime
	terminalsOverride session.TerminalRuntime
	dialerOverride    server.Dialer

	// closers are called in reverse order during Shutdown. Only resources
	// New created itself are registered; injected doubles stay with their
	// owner.
	closers  []func() error
	stopOnce sync.Once
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option customises New, primarily to inject test doubles.
type Option func(*App)

// WithStore injects a history store instead of creating one through the
// driver registry. The caller keeps ownership; Shutdown will not close it.
func WithStore(s history.Store) Option {
	return func(a *App) { a.storeOverride = s }
}

// WithAgentRuntime injects an agent runtime instead of the CLI subprocess
// implementation.
func WithAgentRuntime(rt session.AgentRuntime) Option {
	return func(a *App) { a.agentsOverride = rt }
}

// WithTerminalRuntime injects a terminal runtime instead of the shell
// subprocess implementation.
func WithTerminalRuntime(rt session.TerminalRuntime) Option {
	return func(a *App) { a.terminalsOverride = rt }
}

// WithDialer injects the tunnel dialer used by the server.
func WithDialer(d server.Dialer) Option {
	return func(a *App) { a.dialerOverride = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The driver registry
// comes from main.go with the store drivers this build ships; Option
// functions inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: the history store is opened
// and pinged, stale session rows from a previous process are reconciled, and
// the supervisor session is started before New returns.
func New(ctx context.Context, cfg *config.Config, info Info, drivers *config.Registry, opts ...Option) (*App, error) {
	if info.Name == "" {
		if host, err := os.Hostname(); err == nil {
			info.Name = host
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}

	a := &App{
		cfg:  cfg,
		info: info,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = met

	// ── 2. History store ─────────────────────────────────────────────────
	if err := a.initStore(ctx, drivers); err != nil {
		return nil, fmt.Errorf("app: init history store: %w", err)
	}

	// ── 3. Voice blob store ──────────────────────────────────────────────
	blobs, err := audio.New(cfg.Audio.Dir, cfg.Audio.MaxBlobMB)
	if err != nil {
		return nil, fmt.Errorf("app: init audio store: %w", err)
	}
	a.blobs = blobs

	// ── 4. Workspace catalog ─────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init workspace catalog: %w", err)
	}

	// ── 5. Fan-out router ────────────────────────────────────────────────
	if err := a.initRouter(); err != nil {
		return nil, fmt.Errorf("app: init router: %w", err)
	}

	// ── 6. Session registry ──────────────────────────────────────────────
	if err := a.initSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 7. Supervisor ────────────────────────────────────────────────────
	if err := a.initSupervisor(ctx); err != nil {
		return nil, fmt.Errorf("app: init supervisor: %w", err)
	}

	// ── 8. Ops probes ────────────────────────────────────────────────────
	a.checks = health.New(
		health.Checker{Name: "history", Check: a.store.Ping},
		health.Checker{Name: "tunnel", Check: a.tunnelCheck},
	)

	// ── 9. Tunnel server ─────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	// ── 10. Ops endpoint ─────────────────────────────────────────────────
	a.initOps()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured history store and verifies it is reachable
// before anything is allowed to depend on it.
func (a *App) initStore(ctx context.Context, drivers *config.Registry) error {
	if a.storeOverride != nil {
		a.store = a.storeOverride
		return nil
	}

	st, err := drivers.CreateStore(ctx, a.cfg.History)
	if err != nil {
		return err
	}

	ping := resilience.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second}
	if err := resilience.Retry(ctx, storePingAttempts, ping, st.Ping); err != nil {
		st.Close()
		return fmt.Errorf("ping %s store: %w", a.cfg.History.Driver, err)
	}

	a.store = st
	a.closers = append(a.closers, st.Close)

	slog.Info("history store ready", "driver", a.cfg.History.Driver)
	return nil
}

// initCatalog builds the workspace catalog from the configured agent types
// and workspace root.
func (a *App) initCatalog() error {
	types := make([]workspace.AgentType, 0, len(a.cfg.Agents.Types))
	for _, t := range a.cfg.Agents.Types {
		types = append(types, workspace.AgentType{Name: t.Name, Command: t.Command, Args: t.Args})
	}

	cat, err := workspace.New(workspace.Config{
		Root:    a.cfg.Workspaces.Root,
		Types:   types,
		Aliases: catalogAliases(a.cfg.Agents.Aliases),
		Hidden:  a.cfg.Agents.HiddenTypes,
	})
	if err != nil {
		return err
	}
	a.catalog = cat
	return nil
}

// initRouter builds the fan-out core. Overflowing or dead devices are
// reported back to the server so their tunnel auth state is cleared.
func (a *App) initRouter() error {
	rt, err := router.New(router.Config{
		Store:        a.store,
		Metrics:      a.metrics,
		RingCapacity: a.cfg.History.RingCapacity,
		Audio:        a.blobs,
		OnDrop:       a.deviceDropped,
	})
	if err != nil {
		return err
	}
	a.router = rt
	return nil
}

// initSessions assembles the runtimes and the registry. The runtime sink
// feeds output broadcasts and status transitions back into the router and
// registry built above.
func (a *App) initSessions(ctx context.Context) error {
	sink := &runtimeSink{
		router:       a.router,
		respawnDelay: supervisorRespawnDelay,
	}

	agents := a.agentsOverride
	if agents == nil {
		agents = runtime.NewAgent(a.resolveCLI, sink)
	}
	terminals := a.terminalsOverride
	if terminals == nil {
		terminals = runtime.NewTerminal(a.cfg.Terminal.Shell, sink)
	}

	reg, err := session.NewRegistry(ctx, session.RegistryConfig{
		Agents:      agents,
		Terminals:   terminals,
		Store:       a.store,
		MaxSessions: a.cfg.Sessions.Max,
		DefaultCols: a.cfg.Terminal.DefaultCols,
		DefaultRows: a.cfg.Terminal.DefaultRows,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}

	// The sink needs the registry for status transitions, the registry
	// needs the runtimes, the runtimes need the sink. The field is set
	// before any session process exists, so the sink never observes it nil.
	sink.registry = reg
	a.registry = reg
	return nil
}

// initSupervisor connects lifecycle events to the router and boots the
// supervisor session. The handler must be installed before the supervisor
// exists so the router learns about it.
func (a *App) initSupervisor(ctx context.Context) error {
	a.registry.OnEvent(a.onSessionEvent)

	if len(a.cfg.Agents.Types) == 0 {
		return errors.New("no agent types configured")
	}
	sup, err := a.registry.Create(ctx, session.CreateSpec{
		Kind:      protocol.KindSupervisor,
		AgentName: a.cfg.Agents.Types[0].Name,
	})
	if err != nil {
		return err
	}

	slog.Info("supervisor started", "session_id", sup.ID, "agent", sup.AgentName)
	return nil
}

// initServer builds the tunnel-facing edge.
func (a *App) initServer() error {
	srv, err := server.New(server.Config{
		URL:                a.cfg.Tunnel.URL,
		TunnelID:           a.cfg.Tunnel.TunnelID,
		AuthKey:            a.cfg.Tunnel.AuthKey,
		PingInterval:       time.Duration(a.cfg.Tunnel.PingIntervalSeconds) * time.Second,
		WorkstationName:    a.info.Name,
		WorkstationVersion: a.info.Version,
		Registry:           a.registry,
		Router:             a.router,
		Store:              a.store,
		Audio:              a.blobs,
		Catalog:            a.catalog,
		Metrics:            a.metrics,
		Uptime:             a.checks.UptimeMS,
		Dialer:             a.dialerOverride,
	})
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// initOps assembles the local observability endpoint: /metrics, /healthz
// and /readyz behind the request-metrics middleware.
func (a *App) initOps() {
	mux := http.NewServeMux()
	a.checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.ops = &http.Server{
		Addr:              a.cfg.Server.OpsAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Wiring callbacks ────────────────────────────────────────────────────────

// onSessionEvent fans registry lifecycle changes out to subscribed devices.
// Events arrive outside registry locks and must not block.
func (a *App) onSessionEvent(ev session.Event) {
	switch ev.Type {
	case session.EventCreated:
		a.router.Register(ev.Session.ID, ev.Session.Kind)
		a.router.NotifyAll(&protocol.Envelope{Type: protocol.TypeSessionCreated},
			&protocol.SessionCreatedPayload{Session: ev.Session.Wire()})
	case session.EventTerminated:
		if err := a.router.SessionTerminated(context.Background(), ev.Session.ID, ev.Reason, ""); err != nil {
			slog.Warn("announce session end", "session_id", ev.Session.ID, "error", err)
		}
	case session.EventStatusChanged:
		a.router.SetExecuting(ev.Session.ID, ev.Session.Status == protocol.StatusBusy)
	}
}

// deviceDropped relays router drops to the server so the device's tunnel
// auth state is cleared and it has to reconnect. The server field is nil
// only while New is still assembling the app.
func (a *App) deviceDropped(deviceID, reason string) {
	if a.server != nil {
		a.server.DeviceDropped(deviceID, reason)
	}
}

// resolveCLI adapts the workspace catalog to the agent runtime's resolver.
func (a *App) resolveCLI(baseType string) (runtime.CLI, error) {
	ag, err := a.catalog.ResolveAgent(baseType)
	if err != nil {
		return runtime.CLI{}, err
	}
	return runtime.CLI{Command: ag.Command, Args: ag.Args}, nil
}

// tunnelCheck is the /readyz probe for the tunnel link.
func (a *App) tunnelCheck(context.Context) error {
	if a.server == nil || !a.server.Connected() {
		return errors.New("tunnel link down")
	}
	return nil
}

// ApplyAgentAliases hot-reloads the agent alias layer and the hidden-type
// set. Base types stay fixed for the process lifetime; an alias referencing
// an unknown type rejects the whole update.
func (a *App) ApplyAgentAliases(aliases []config.AgentAliasConfig, hidden []string) error {
	return a.catalog.SetAliases(catalogAliases(aliases), hidden)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled or the tunnel rejects this workstation
// permanently. It drives the tunnel registration loop and the ops endpoint;
// the first to fail stops the other.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("ops endpoint listening", "addr", a.ops.Addr)
		if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ops endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		return a.ops.Shutdown(stopCtx)
	})
	g.Go(func() error {
		return a.server.Run(ctx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the workstation down: every live session is terminated so
// child processes die with the daemon, devices get their session.terminated
// notices, then the closers run, most recently created first. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.registry != nil {
			if err := a.registry.TerminateAll(ctx); err != nil {
				slog.Warn("terminate sessions", "error", err)
			}
		}
		if a.router != nil {
			a.router.Close()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// catalogAliases converts the config alias list to the catalog's form.
func catalogAliases(aliases []config.AgentAliasConfig) []workspace.Alias {
	out := make([]workspace.Alias, 0, len(aliases))
	for _, al := range aliases {
		out = append(out, workspace.Alias{Name: al.Name, BaseType: al.BaseType})
	}
	return out
}
