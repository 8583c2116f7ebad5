// Package gateway assembles the relay service, dashboard, AG-UI bridge,
// event sinks and the ingest scheduler into one process.
package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/citypulse/internal/agui"
	"github.com/stellarlinkco/citypulse/internal/assistant"
	"github.com/stellarlinkco/citypulse/internal/config"
	"github.com/stellarlinkco/citypulse/internal/cron"
	"github.com/stellarlinkco/citypulse/internal/dashboard"
	"github.com/stellarlinkco/citypulse/internal/ingest"
	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/notify"
	"github.com/stellarlinkco/citypulse/internal/pairing"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

const shutdownTimeout = 5 * time.Second

// Options for creating a Gateway
type Options struct {
	RuntimeFactory assistant.RuntimeFactory
	Fetcher        ingest.Fetcher
	Sinks          []relay.Sink
	SignalChan     chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	relay      *relay.Server
	bridge     *agui.Handler
	pairing    *pairing.Store
	cron       *cron.Service
	closers    []io.Closer
	signalChan chan os.Signal
	log        *logrus.Entry
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan, log: logging.For("gateway")}

	srv, err := NewRelayServer(cfg)
	if err != nil {
		return nil, err
	}
	g.relay = srv

	g.addSinks(opts.Sinks)

	if cfg.Bridge.Enabled {
		if err := g.setupBridge(opts.RuntimeFactory); err != nil {
			g.closeAll()
			return nil, err
		}
	}

	if cfg.Ingest.Enabled {
		if err := g.setupIngest(opts.Fetcher); err != nil {
			g.closeAll()
			return nil, err
		}
	}
	return g, nil
}

// NewRelayServer builds the relay service with the dashboard mounted.
func NewRelayServer(cfg *config.Config) (*relay.Server, error) {
	store := relay.NewStore()
	srv, err := relay.NewServer(store, relay.NewHub())
	if err != nil {
		return nil, fmt.Errorf("create relay server: %w", err)
	}
	dashboard.Mount(srv.Engine(), store.List)
	if cfg.Relay.Seed {
		srv.Seed()
	}
	return srv, nil
}

// NewIngestRunner builds a runner that posts to the configured relay URL.
func NewIngestRunner(cfg *config.Config, fetcher ingest.Fetcher) (*ingest.Runner, *ingest.RelayPoster) {
	if fetcher == nil {
		fetcher = ingest.NewHTTPFetcher()
	}
	poster := ingest.NewRelayPoster(relay.NewClient(cfg.Ingest.RelayBaseURL))
	return ingest.NewRunner(fetcher, poster), poster
}

func (g *Gateway) addSinks(extra []relay.Sink) {
	hub := g.relay.Hub()
	if g.cfg.Redis.URL != "" {
		sink, err := notify.NewRedisSink(g.cfg.Redis.URL, g.cfg.Redis.Stream)
		if err != nil {
			g.log.WithError(err).Warn("redis sink disabled")
		} else {
			hub.AddSink(sink)
			g.closers = append(g.closers, sink)
		}
	}
	if g.cfg.Telegram.Enabled {
		sink, err := notify.NewTelegramSink(g.cfg.Telegram)
		if err != nil {
			g.log.WithError(err).Warn("telegram sink disabled")
		} else {
			hub.AddSink(sink)
		}
	}
	for _, s := range extra {
		hub.AddSink(s)
	}
}

func (g *Gateway) setupBridge(factory assistant.RuntimeFactory) error {
	bc := g.cfg.Bridge
	ttl, err := time.ParseDuration(bc.PairingTTL)
	if err != nil {
		return fmt.Errorf("parse pairing ttl: %w", err)
	}
	every, err := time.ParseDuration(bc.PairingRate)
	if err != nil {
		return fmt.Errorf("parse pairing rate: %w", err)
	}

	store, err := pairing.NewStore(bc.DBPath, pairing.Options{MaxPending: bc.MaxPendingPairings, TTL: ttl})
	if err != nil {
		return fmt.Errorf("open pairing store: %w", err)
	}
	g.pairing = store
	g.closers = append(g.closers, store)

	if factory == nil {
		factory = assistant.NewRuntimeFactory(g.cfg)
	}
	sessions := agui.NewSessions()
	dispatcher := assistant.NewDispatcher(assistant.Options{
		Factory:      factory,
		Toolkit:      assistant.NewToolkit(localRelay{srv: g.relay}),
		Hooks:        sessions,
		SystemPrompt: bc.SystemPrompt,
	})

	g.bridge = agui.NewHandler(agui.Options{
		Secret:     bc.GatewaySecret,
		Pairing:    store,
		AllowFrom:  bc.AllowFrom,
		Limiter:    rate.NewLimiter(rate.Every(every), bc.PairingBurst),
		Dispatcher: dispatcher,
		Sessions:   sessions,
	})
	paths := []string{bc.Path}
	if bc.Path != agui.LegacyPath {
		paths = append(paths, agui.LegacyPath)
	}
	g.bridge.Mount(g.relay.Engine(), paths...)

	if bc.GatewaySecret == "" {
		g.log.Warn("bridge has no gateway secret; requests will be refused")
	}
	return nil
}

func (g *Gateway) setupIngest(fetcher ingest.Fetcher) error {
	feeds, err := ingest.LoadFeeds(g.cfg.Ingest.FeedsFile)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	runner, _ := NewIngestRunner(g.cfg, fetcher)

	g.cron = cron.NewService(g.cfg.Ingest.StatePath)
	g.cron.SetFeeds(feeds)
	g.cron.OnJob = runner.Run
	return nil
}

func (g *Gateway) Relay() *relay.Server     { return g.relay }
func (g *Gateway) Pairing() *pairing.Store  { return g.pairing }
func (g *Gateway) Scheduler() *cron.Service { return g.cron }

// Start brings up the HTTP listener and the scheduler.
func (g *Gateway) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Relay.Host, g.cfg.Relay.Port)
	if err := g.relay.Start(addr); err != nil {
		return err
	}
	if g.cron != nil {
		if err := g.cron.Start(ctx); err != nil {
			g.log.WithError(err).Warn("scheduler start")
		}
	}
	g.log.WithFields(logging.Fields{
		"addr":   g.relay.Addr(),
		"bridge": g.bridge != nil,
		"ingest": g.cron != nil,
	}).Info("running")
	return nil
}

// Run starts the gateway and blocks until a signal arrives or ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		g.closeAll()
		return err
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info("shutting down...")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	if g.cron != nil {
		g.cron.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := g.relay.Stop(ctx)
	g.closeAll()
	g.log.Info("shutdown complete")
	return err
}

func (g *Gateway) closeAll() {
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			g.log.WithError(err).Warn("close")
		}
	}
	g.closers = nil
}

// localRelay serves the assistant tools from the in-process relay so
// updates broadcast without a loopback request.
type localRelay struct {
	srv *relay.Server
}

func (l localRelay) List(context.Context) ([]relay.Packet, error) {
	return l.srv.Store().List(), nil
}

func (l localRelay) Patch(_ context.Context, id string, patch relay.Patch) (relay.Packet, error) {
	return l.srv.Update(id, patch)
}
