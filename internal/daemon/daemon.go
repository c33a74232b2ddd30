// Package daemon boots and supervises the gateway process: config,
// stores, providers, channels, the HTTP/WS server, and the scheduler,
// with hot reload and ordered shutdown.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/talon-ai/talon/internal/agent"
	"github.com/talon-ai/talon/internal/agent/providers"
	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/channels"
	"github.com/talon-ai/talon/internal/config"
	"github.com/talon-ai/talon/internal/cron"
	"github.com/talon-ai/talon/internal/gateway"
	"github.com/talon-ai/talon/internal/memory"
	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/internal/sessions"
	"github.com/talon-ai/talon/internal/tools"
	"github.com/talon-ai/talon/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	shutdownDrain = 5 * time.Second
	evictInterval = 5 * time.Minute
)

// Daemon owns the subsystem graph and its lifecycle. Boot brings
// everything up in dependency order; Shutdown tears it down in reverse.
type Daemon struct {
	mu         sync.Mutex
	booted     bool
	configPath string
	version    string

	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	promReg   *prometheus.Registry
	tracer    *observability.Tracer
	flushSpan func(context.Context) error

	bus       *bus.Bus
	store     sessions.Store
	locker    *sessions.Locker
	workspace *memory.Workspace
	registry  *agent.ToolRegistry
	router    *agent.Router

	loopMu sync.RWMutex
	loop   *agent.Loop

	channels  *channels.Registry
	gateway   *gateway.Server
	scheduler *cron.Scheduler
	watcher   *configWatcher

	runCancel context.CancelFunc
	turns     sync.WaitGroup

	// shutdownCh closes when an admin shutdown is requested.
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// Option adjusts daemon construction.
type Option func(*Daemon)

// WithVersion stamps the build version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(d *Daemon) { d.version = v }
}

// New builds a daemon for the given config file. Nothing starts until Boot.
func New(configPath string, opts ...Option) *Daemon {
	d := &Daemon{
		configPath: configPath,
		version:    "dev",
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Done closes when an admin shutdown request arrives over HTTP or WS.
// The caller waits on it alongside signal handling.
func (d *Daemon) Done() <-chan struct{} { return d.shutdownCh }

// Boot starts every subsystem in dependency order. Calling Boot on a
// booted daemon is a logged no-op.
func (d *Daemon) Boot(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.booted {
		d.logger.Warn("boot requested on a running daemon")
		return nil
	}

	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d.cfg = cfg

	d.logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	d.promReg = prometheus.NewRegistry()
	d.metrics = observability.NewMetrics(d.promReg)

	tracer, flush, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "talon",
		ServiceVersion: d.version,
		Endpoint:       cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	d.tracer = tracer
	d.flushSpan = flush

	runCtx, cancel := context.WithCancel(context.Background())
	d.runCancel = cancel

	if err := d.bootLocked(runCtx, cfg); err != nil {
		cancel()
		d.teardownLocked(context.Background())
		return err
	}

	d.booted = true
	d.logger.Info("daemon booted",
		"version", d.version,
		"gateway", d.gateway.Addr(),
		"sessions", cfg.Sessions.Driver,
		"cron", len(cfg.Cron))
	return nil
}

func (d *Daemon) bootLocked(runCtx context.Context, cfg *config.Config) error {
	d.bus = bus.New(d.logger, d.metrics)

	store, err := openStore(cfg.Sessions)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	d.store = store
	d.locker = sessions.NewLocker()
	d.workspace = memory.NewWorkspace(cfg.Workspace.Root)

	d.registry = agent.NewToolRegistry(time.Duration(cfg.Tools.Timeout), d.logger, d.metrics)
	if err := tools.RegisterAll(d.registry, cfg.Tools, d.workspace); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	provs, err := providers.FromConfig(cfg.Agent)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	d.router = agent.NewRouter(provs, d.logger, d.metrics)

	d.setLoop(agent.NewLoop(loopConfig(cfg), d.bus, d.store, d.locker,
		d.router, d.registry, d.workspace, d.logger, d.metrics))

	d.channels = channels.NewRegistry(d.logger, d.metrics)
	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegramAdapter(cfg.Channels.Telegram, d.logger)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		d.channels.Register(tg)
	}
	if cfg.Channels.CLI.Enabled {
		d.channels.Register(channels.NewCLIAdapter(d.logger))
	}
	if err := d.channels.Start(runCtx, d.bus); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	if err := d.bus.Subscribe(models.TopicInbound, "daemon-loop", d.dispatchInbound(runCtx)); err != nil {
		return fmt.Errorf("subscribe inbound: %w", err)
	}

	// Any reset, explicit or evicted, must also drop the router's
	// per-session provider disables so the fresh session retries everything.
	if err := d.router.SubscribeReset(d.bus); err != nil {
		return fmt.Errorf("subscribe session reset: %w", err)
	}

	d.gateway = gateway.NewServer(cfg.Gateway, d.bus, d.store, gateway.Hooks{
		Reload:   d.Reconcile,
		Shutdown: d.requestShutdown,
	}, d.promReg, d.version, d.logger, d.metrics)
	if err := d.gateway.Start(runCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	d.scheduler = cron.NewScheduler(d.bus, d.logger)
	if err := d.scheduler.Reconcile(cfg.Cron); err != nil {
		return fmt.Errorf("schedule cron: %w", err)
	}
	d.scheduler.Start()

	watcher, err := newConfigWatcher(d.configPath, d.logger, func() {
		if err := d.Reconcile(context.Background()); err != nil {
			d.logger.Warn("config reload failed", "error", err)
		}
	})
	if err != nil {
		d.logger.Warn("config watch unavailable", "error", err)
	} else {
		d.watcher = watcher
	}

	go d.evictLoop(runCtx, time.Duration(cfg.Sessions.IdleTTL))
	return nil
}

// dispatchInbound fans each inbound message into its own turn goroutine.
// Per-session serialization happens in the loop's locker, so concurrent
// sessions proceed in parallel.
func (d *Daemon) dispatchInbound(runCtx context.Context) bus.Handler {
	return func(evt models.Event) {
		msg, ok := evt.Payload.(*models.Inbound)
		if !ok {
			return
		}
		d.turns.Add(1)
		go func() {
			defer d.turns.Done()
			ctx, span := d.tracer.Start(runCtx, "agent.turn")
			defer span.End()
			d.currentLoop().HandleInbound(ctx, msg)
		}()
	}
}

// currentLoop reads the loop under its own lock so in-flight dispatch
// never contends with Boot or Shutdown holding the daemon mutex.
func (d *Daemon) currentLoop() *agent.Loop {
	d.loopMu.RLock()
	defer d.loopMu.RUnlock()
	return d.loop
}

func (d *Daemon) setLoop(l *agent.Loop) {
	d.loopMu.Lock()
	d.loop = l
	d.loopMu.Unlock()
}

// evictLoop sweeps idle sessions and announces each eviction so clients
// can drop cached state.
func (d *Daemon) evictLoop(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted, err := d.store.EvictIdle(ctx, now, ttl)
			if err != nil {
				d.logger.Warn("idle eviction failed", "error", err)
				continue
			}
			for _, sess := range evicted {
				d.router.ClearSession(sess.Key)
				d.bus.Publish(models.Event{
					Topic:      models.TopicSessionReset,
					SessionKey: sess.Key,
					Payload:    models.SessionEvent{Key: sess.Key, ID: sess.ID, Channel: sess.Channel},
					Time:       time.Now(),
				})
			}
			if len(evicted) > 0 {
				d.logger.Info("evicted idle sessions", "count", len(evicted))
			}
		}
	}
}

// Reconcile reloads the config file and applies what can change live.
// Breaking changes (listener, auth, channel credentials, session driver)
// are logged and skipped until restart.
func (d *Daemon) Reconcile(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.booted {
		return fmt.Errorf("daemon not running")
	}

	next, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	changes := config.Diff(d.cfg, next)
	if len(changes) == 0 {
		d.logger.Debug("config unchanged")
		return nil
	}

	var applied, skipped []string
	for _, ch := range changes {
		if ch.Breaking {
			skipped = append(skipped, ch.Path)
		} else {
			applied = append(applied, ch.Path)
		}
	}
	if len(skipped) > 0 {
		d.logger.Warn("breaking config changes require restart", "paths", skipped)
	}

	// Keep breaking sections pinned at their running values so the
	// stored config reflects what is actually in effect.
	next.Gateway = d.cfg.Gateway
	next.Channels.Telegram.BotToken = d.cfg.Channels.Telegram.BotToken
	next.Channels.Telegram.Enabled = d.cfg.Channels.Telegram.Enabled
	next.Channels.CLI.Enabled = d.cfg.Channels.CLI.Enabled
	next.Sessions.Driver = d.cfg.Sessions.Driver
	next.Sessions.Path = d.cfg.Sessions.Path
	next.Tracing = d.cfg.Tracing

	provs, err := providers.FromConfig(next.Agent)
	if err != nil {
		return fmt.Errorf("rebuild providers: %w", err)
	}
	d.router.SetProviders(provs)

	if err := d.scheduler.Reconcile(next.Cron); err != nil {
		d.logger.Warn("cron reconcile incomplete", "error", err)
	}

	d.logger.SetLevel(next.Logging.Level)

	d.setLoop(agent.NewLoop(loopConfig(next), d.bus, d.store, d.locker,
		d.router, d.registry, d.workspace, d.logger, d.metrics))

	d.cfg = next
	d.logger.Info("config reloaded", "applied", applied)
	return nil
}

// requestShutdown is the admin-facing shutdown hook. It never blocks;
// the process owner drains via Shutdown.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Shutdown stops subsystems in reverse boot order, draining in-flight
// turns for a bounded time.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.booted {
		return nil
	}
	d.booted = false
	d.logger.Info("daemon shutting down")
	d.teardownLocked(ctx)
	return nil
}

func (d *Daemon) teardownLocked(ctx context.Context) {
	// Announce shutdown while subscribers are still attached so WebSocket
	// clients and channels see it before their transports stop.
	if d.bus != nil {
		d.bus.Publish(models.Event{Topic: models.TopicShutdown, Time: time.Now().UTC()})
	}
	if d.watcher != nil {
		d.watcher.Close()
		d.watcher = nil
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.gateway != nil {
		stopCtx, cancel := context.WithTimeout(ctx, shutdownDrain)
		if err := d.gateway.Stop(stopCtx); err != nil {
			d.logger.Warn("gateway stop", "error", err)
		}
		cancel()
	}
	if d.channels != nil {
		stopCtx, cancel := context.WithTimeout(ctx, shutdownDrain)
		if err := d.channels.Stop(stopCtx); err != nil {
			d.logger.Warn("channels stop", "error", err)
		}
		cancel()
	}
	if d.runCancel != nil {
		d.runCancel()
	}

	// Let in-flight turns finish writing their transcripts.
	drained := make(chan struct{})
	go func() {
		d.turns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownDrain):
		d.logger.Warn("shutdown drain timed out")
	}

	if d.bus != nil {
		d.bus.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("session store close", "error", err)
		}
	}
	if d.flushSpan != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
		if err := d.flushSpan(flushCtx); err != nil {
			d.logger.Warn("trace flush", "error", err)
		}
		cancel()
	}
}

// GatewayAddr reports the bound listener address, for tests and logs.
func (d *Daemon) GatewayAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gateway == nil {
		return ""
	}
	return d.gateway.Addr()
}

func openStore(cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(".", "talon-sessions.db")
		}
		return sessions.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown sessions driver %q", cfg.Driver)
	}
}

func loopConfig(cfg *config.Config) agent.LoopConfig {
	return agent.LoopConfig{
		Model:                   cfg.Agent.Model,
		SubagentModel:           cfg.Agent.SubagentModel,
		MaxIterations:           cfg.Agent.MaxIterations,
		Temperature:             cfg.Agent.Temperature,
		SummaryThresholdPercent: cfg.Memory.SummaryThresholdPercent,
		RecentWindow:            cfg.Memory.RecentWindow,
		SummaryTokenBudget:      cfg.Memory.SummaryTokenBudget,
		GroupSessionsPerSender:  cfg.Channels.Telegram.GroupSessions == "per-sender",
	}
}
