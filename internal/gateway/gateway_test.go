package gateway

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"

	"github.com/lunarclabs/heartline/internal/bus"
	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/generate"
	"github.com/lunarclabs/heartline/internal/store"
)

type mockRuntime struct {
	response *api.Response
	err      error
}

func (m *mockRuntime) Run(_ context.Context, _ api.Request) (*api.Response, error) {
	return m.response, m.err
}

func (m *mockRuntime) Close() {}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0 // let the listener pick a free port
	cfg.Storage.DBPath = filepath.Join(dir, "app.db")
	cfg.Storage.MemoryDBPath = filepath.Join(dir, "memory.db")
	return cfg
}

func mockFactory(output string) generate.RuntimeFactory {
	return func(*config.Config) (generate.Runtime, error) {
		return &mockRuntime{response: &api.Response{Result: &api.Result{Output: output}}}, nil
	}
}

func newTestGateway(t *testing.T, output string) *Gateway {
	t.Helper()
	g, err := NewWithOptions(testConfig(t), Options{RuntimeFactory: mockFactory(output)})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func TestGatewayWiring(t *testing.T) {
	g := newTestGateway(t, "hi")
	defer g.Shutdown()

	if g.store == nil || g.memory == nil || g.router == nil || g.channels == nil || g.maint == nil {
		t.Fatal("gateway left a component unwired")
	}
	names := g.channels.EnabledChannels()
	if len(names) != 1 || names[0] != "sms" {
		t.Errorf("channels = %v", names)
	}
}

func TestGatewayEndToEndTurn(t *testing.T) {
	g := newTestGateway(t, "thinking about you")
	defer g.Shutdown()

	persona := &store.Persona{
		Name: "Mara", Slug: "mara", PhoneNumber: "+15550001111",
		PersonalityPrompt: "You are Mara.", Active: true, MaxFreeMessages: 50,
	}
	if err := g.store.CreatePersona(persona); err != nil {
		t.Fatal(err)
	}

	// Capture outbound instead of hitting the SMS provider.
	sent := make(chan bus.OutboundMessage, 1)
	g.bus.SubscribeOutbound("sms", func(msg bus.OutboundMessage) { sent <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.bus.DispatchOutbound(ctx)
	g.router.Start(ctx)

	err := g.router.HandleInbound(ctx, bus.InboundMessage{
		Channel: "sms", From: "+15557770001", To: "+15550001111",
		Body: "hey", Kind: "message", SentAt: time.Now(), DeliveryKey: "sms:e2e1",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	select {
	case out := <-sent:
		if out.Body != "thinking about you" || out.To != "+15557770001" {
			t.Errorf("outbound = %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply delivered")
	}

	user, err := g.store.UserByPhone("+15557770001", persona.ID)
	if err != nil {
		t.Fatalf("user after turn: %v", err)
	}
	turns, _ := g.store.RecentTurns(user.ID, 10)
	if len(turns) != 2 {
		t.Errorf("turn log length = %d", len(turns))
	}
}

func TestGatewayInboundLoopFeedsRouter(t *testing.T) {
	g := newTestGateway(t, "hello from telegram")
	defer g.Shutdown()

	persona := &store.Persona{Name: "Mara", Slug: "mara", PersonalityPrompt: "You are Mara.", Active: true, MaxFreeMessages: 50}
	if err := g.store.CreatePersona(persona); err != nil {
		t.Fatal(err)
	}

	sent := make(chan bus.OutboundMessage, 1)
	g.bus.SubscribeOutbound("telegram", func(msg bus.OutboundMessage) { sent <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.bus.DispatchOutbound(ctx)
	g.router.Start(ctx)
	go g.inboundLoop(ctx)

	g.bus.Inbound <- bus.InboundMessage{
		Channel: "telegram", From: "777", PersonaSlug: "mara",
		Body: "hi", Kind: "message", SentAt: time.Now(), DeliveryKey: "tg:777:1",
	}

	select {
	case out := <-sent:
		if out.Channel != "telegram" || out.To != "777" {
			t.Errorf("outbound = %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bus-fed inbound never produced a reply")
	}
}

func TestGatewayShutdownOnSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(testConfig(t), Options{
		RuntimeFactory: mockFactory("ok"),
		SignalChan:     sigCh,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down on signal")
	}
}
