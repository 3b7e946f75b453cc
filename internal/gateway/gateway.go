// Package gateway wires the whole service together: stores, generator,
// router, transports and maintenance, plus process lifecycle.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lunarclabs/heartline/internal/bus"
	"github.com/lunarclabs/heartline/internal/channel"
	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/generate"
	"github.com/lunarclabs/heartline/internal/maintenance"
	"github.com/lunarclabs/heartline/internal/memory"
	"github.com/lunarclabs/heartline/internal/router"
	"github.com/lunarclabs/heartline/internal/store"
)

// Options for creating a Gateway
type Options struct {
	RuntimeFactory generate.RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	memory     *memory.Store
	generator  *generate.AgentGenerator
	router     *router.Router
	channels   *channel.ChannelManager
	maint      *maintenance.Service
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	dbPath := strings.TrimSpace(cfg.Storage.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "heartline.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	memPath := strings.TrimSpace(cfg.Storage.MemoryDBPath)
	if memPath == "" {
		memPath = filepath.Join(config.ConfigDir(), "data", "memory.db")
	}
	mem, err := memory.Open(memPath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	g.memory = mem

	gen, err := generate.New(cfg, opts.RuntimeFactory)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("create generator: %w", err)
	}
	g.generator = gen

	g.router = router.New(st, mem, gen, g.bus, cfg)

	g.channels, err = channel.NewChannelManager(cfg, g.bus, st, g.router.HandleInbound, g.router.HandleBilling)
	if err != nil {
		gen.Close()
		g.closeStores()
		return nil, fmt.Errorf("init channels: %w", err)
	}

	g.maint = maintenance.NewService(st, mem, gen, cfg.Maintenance)

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)
	g.router.Start(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.maint.Start(ctx); err != nil {
		log.Printf("[gateway] maintenance start warning: %v", err)
	}

	go g.inboundLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Server.Host, g.cfg.Server.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// inboundLoop drains bus-fed transports (telegram). The SMS webhook calls
// the router synchronously and never lands here.
func (g *Gateway) inboundLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.From, truncate(msg.Body, 80))
			if err := g.router.HandleInbound(ctx, msg); err != nil {
				log.Printf("[gateway] ingest error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) Shutdown() error {
	if g.channels != nil {
		_ = g.channels.StopAll()
	}
	if g.maint != nil {
		g.maint.Stop()
	}
	if g.generator != nil {
		g.generator.Close()
	}
	g.closeStores()
	log.Printf("[gateway] stopped")
	return nil
}

func (g *Gateway) closeStores() {
	if g.memory != nil {
		if err := g.memory.Close(); err != nil {
			log.Printf("[gateway] close memory store: %v", err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store: %v", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
