package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lunarclabs/heartline/internal/bus"
	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testSMSChannel(t *testing.T, ingest IngestFunc, billing BillingFunc) *SMSChannel {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SMS.APIKey = "key"
	cfg.SMS.APISecret = "secret"
	cfg.Billing.WebhookSecret = "hook-secret"
	cfg.Admin.APIKey = "admin-key"
	if ingest == nil {
		ingest = func(context.Context, bus.InboundMessage) error { return nil }
	}
	ch, err := NewSMSChannel(cfg, bus.NewMessageBus(10), testStore(t), ingest, billing)
	if err != nil {
		t.Fatalf("new sms channel: %v", err)
	}
	return ch
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestSMSWebhookIngestsBeforeAck(t *testing.T) {
	var got bus.InboundMessage
	ch := testSMSChannel(t, func(_ context.Context, msg bus.InboundMessage) error {
		got = msg
		return nil
	}, nil)

	body := `{"id":"m1","from_number":"+15557770001","to_number":"+15550001111","content":"hey you","message_type":"message","date_sent":"2026-08-30T21:04:05Z"}`
	rec := postJSON(t, ch.handleInbound, body, nil)

	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
	}
	if got.From != "+15557770001" || got.To != "+15550001111" || got.Body != "hey you" {
		t.Errorf("ingested message = %+v", got)
	}
	if got.DeliveryKey != "sms:m1" {
		t.Errorf("delivery key = %q", got.DeliveryKey)
	}
	if got.SentAt.UTC().Hour() != 21 {
		t.Errorf("sent at = %v", got.SentAt)
	}
}

func TestSMSWebhookDerivesKeyWithoutID(t *testing.T) {
	var keys []string
	ch := testSMSChannel(t, func(_ context.Context, msg bus.InboundMessage) error {
		keys = append(keys, msg.DeliveryKey)
		return nil
	}, nil)

	// No id in the payload: the key comes from the payload itself, so the
	// same redelivered webhook still dedupes downstream.
	body := `{"from_number":"+15557770001","to_number":"+15550001111","content":"hey you","message_type":"message","date_sent":"2026-08-30T21:04:05Z"}`
	for i := 0; i < 2; i++ {
		if rec := postJSON(t, ch.handleInbound, body, nil); rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
	}

	if len(keys) != 2 {
		t.Fatalf("ingest calls = %d", len(keys))
	}
	if keys[0] == "" || keys[0] == "sms:" || !strings.HasPrefix(keys[0], "sms:") {
		t.Errorf("derived key = %q", keys[0])
	}
	if keys[0] != keys[1] {
		t.Errorf("redelivery derived a different key: %q vs %q", keys[0], keys[1])
	}

	// A different message must not collide.
	other := `{"from_number":"+15557770001","to_number":"+15550001111","content":"something else","message_type":"message","date_sent":"2026-08-30T21:05:00Z"}`
	if rec := postJSON(t, ch.handleInbound, other, nil); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if keys[2] == keys[0] {
		t.Errorf("distinct payloads share key %q", keys[2])
	}
}

func TestSMSWebhookBadPayload(t *testing.T) {
	ch := testSMSChannel(t, nil, nil)

	for name, body := range map[string]string{
		"not json":   "{nope",
		"no numbers": `{"content":"hi"}`,
	} {
		rec := postJSON(t, ch.handleInbound, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", name, rec.Code)
		}
	}
}

func TestSMSWebhookIgnoresReceipts(t *testing.T) {
	called := false
	ch := testSMSChannel(t, func(context.Context, bus.InboundMessage) error {
		called = true
		return nil
	}, nil)

	rec := postJSON(t, ch.handleInbound,
		`{"from_number":"+1555","to_number":"+1556","message_type":"delivery_receipt","content":"x"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if called {
		t.Error("receipt should not reach ingest")
	}

	rec = postJSON(t, ch.handleInbound,
		`{"from_number":"+1555","to_number":"+1556","message_type":"message","content":"   "}`, nil)
	if rec.Code != http.StatusOK || called {
		t.Error("blank body should be acked without ingest")
	}
}

func TestSMSWebhookIngestFailureReturns500(t *testing.T) {
	ch := testSMSChannel(t, func(context.Context, bus.InboundMessage) error {
		return errors.New("db locked")
	}, nil)

	rec := postJSON(t, ch.handleInbound,
		`{"from_number":"+1555","to_number":"+1556","content":"hi"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status %d, want 500 so provider retries", rec.Code)
	}
}

func TestBillingWebhookSecret(t *testing.T) {
	var got bus.BillingEvent
	ch := testSMSChannel(t, nil, func(_ context.Context, ev bus.BillingEvent) error {
		got = ev
		return nil
	})

	body := `{"type":"payment_completed","event_id":"ev1","customer_id":"cus_1","subscription_id":"sub_1"}`

	rec := postJSON(t, ch.handleBilling, body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: status %d", rec.Code)
	}

	rec = postJSON(t, ch.handleBilling, body, map[string]string{"x-webhook-secret": "hook-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
	}
	if got.Type != "payment_completed" || got.CustomerID != "cus_1" {
		t.Errorf("event = %+v", got)
	}
}

func TestBillingWebhookBadPayload(t *testing.T) {
	ch := testSMSChannel(t, nil, func(context.Context, bus.BillingEvent) error { return nil })
	rec := postJSON(t, ch.handleBilling, `{"event_id":"ev1"}`,
		map[string]string{"x-webhook-secret": "hook-secret"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d", rec.Code)
	}
}

func TestAdminEndpointsRequireKey(t *testing.T) {
	ch := testSMSChannel(t, nil, nil)
	handler := ch.withAdminKey(ch.handleAdminPersonas)

	req := httptest.NewRequest(http.MethodGet, "/admin/personas", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/personas", nil)
	req.Header.Set("x-api-key", "admin-key")
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["personas"]; !ok {
		t.Error("response missing personas list")
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	ch := testSMSChannel(t, nil, nil)
	ch.adminKey = ""
	handler := ch.withAdminKey(ch.handleAdminUsers)

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("x-api-key", "anything")
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ch := testSMSChannel(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ch.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestSMSSend(t *testing.T) {
	var gotReq smsSendRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, `{"id":"out1"}`)
	}))
	defer srv.Close()

	ch := testSMSChannel(t, nil, nil)
	ch.sendURL = srv.URL

	err := ch.Send(bus.OutboundMessage{
		Channel: "sms",
		From:    "+15550001111",
		To:      "+15557770001",
		Body:    "thinking about you",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotReq.FromNumber != "+15550001111" || gotReq.ToNumber != "+15557770001" || gotReq.Content != "thinking about you" {
		t.Errorf("posted %+v", gotReq)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestSMSSendProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ch := testSMSChannel(t, nil, nil)
	ch.sendURL = srv.URL

	err := ch.Send(bus.OutboundMessage{To: "+1555", Body: "hi"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v", err)
	}
}

// --- telegram ---

type mockBot struct {
	updates chan tgbotapi.Update
	sent    []tgbotapi.MessageConfig
}

func (m *mockBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockBot) StopReceivingUpdates() {}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "heartline_test_bot"}
}

func TestTelegramConfigValidation(t *testing.T) {
	b := bus.NewMessageBus(10)
	if _, err := NewTelegramChannel(config.TelegramConfig{PersonaSlug: "mara"}, b); err == nil {
		t.Error("missing token should fail")
	}
	if _, err := NewTelegramChannel(config.TelegramConfig{Token: "t"}, b); err == nil {
		t.Error("missing persona slug should fail")
	}
}

func TestTelegramInboundCarriesPersona(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, err := NewTelegramChannelWithFactory(
		config.TelegramConfig{Token: "t", PersonaSlug: "mara"}, b,
		func(string, *http.Client) (TelegramBot, error) {
			return &mockBot{updates: make(chan tgbotapi.Update)}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	ch.SetBot(&mockBot{updates: make(chan tgbotapi.Update)})

	ch.handleMessage(&tgbotapi.Message{
		MessageID: 42,
		From:      &tgbotapi.User{ID: 777},
		Chat:      &tgbotapi.Chat{ID: 777},
		Text:      "good morning",
		Date:      int(time.Now().Unix()),
	})

	select {
	case msg := <-b.Inbound:
		if msg.PersonaSlug != "mara" || msg.From != "777" || msg.Body != "good morning" {
			t.Errorf("inbound = %+v", msg)
		}
		if msg.DeliveryKey != "tg:777:42" {
			t.Errorf("delivery key = %q", msg.DeliveryKey)
		}
	default:
		t.Fatal("no inbound message on bus")
	}
}

func TestTelegramAllowlist(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannelWithFactory(
		config.TelegramConfig{Token: "t", PersonaSlug: "mara", AllowFrom: []string{"111"}}, b,
		func(string, *http.Client) (TelegramBot, error) {
			return &mockBot{updates: make(chan tgbotapi.Update)}, nil
		})

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 999},
		Chat: &tgbotapi.Chat{ID: 999},
		Text: "hi",
	})

	select {
	case msg := <-b.Inbound:
		t.Errorf("disallowed sender got through: %+v", msg)
	default:
	}
}

func TestTelegramSendSplitsLongMessages(t *testing.T) {
	bot := &mockBot{updates: make(chan tgbotapi.Update)}
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannelWithFactory(
		config.TelegramConfig{Token: "t", PersonaSlug: "mara"}, b,
		func(string, *http.Client) (TelegramBot, error) { return bot, nil })
	ch.SetBot(bot)

	long := strings.Repeat("a", 4500) + "\n" + "tail"
	if err := ch.Send(bus.OutboundMessage{To: "123", Body: long}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) < 2 {
		t.Fatalf("expected split send, got %d messages", len(bot.sent))
	}
	for _, m := range bot.sent {
		if len(m.Text) > 4000 {
			t.Errorf("chunk too long: %d", len(m.Text))
		}
	}
}

func TestManagerRoutesOutbound(t *testing.T) {
	cfg := config.DefaultConfig()
	b := bus.NewMessageBus(10)
	mgr, err := NewChannelManager(cfg, b, testStore(t),
		func(context.Context, bus.InboundMessage) error { return nil }, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	names := mgr.EnabledChannels()
	if len(names) != 1 || names[0] != "sms" {
		t.Errorf("enabled channels = %v", names)
	}
	if _, ok := mgr.Get("sms"); !ok {
		t.Error("sms channel not registered")
	}

	// Outbound for an unknown channel is dropped, not fatal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)
	b.Outbound <- bus.OutboundMessage{Channel: "carrier-pigeon", Body: "hi"}
	time.Sleep(20 * time.Millisecond)
}

func TestBaseChannelAllowlist(t *testing.T) {
	open := NewBaseChannel("x", nil, nil)
	if !open.IsAllowed("anyone") {
		t.Error("empty allowlist should admit everyone")
	}
	closed := NewBaseChannel("x", nil, []string{"a", "b"})
	if closed.IsAllowed("c") || !closed.IsAllowed("a") {
		t.Error("allowlist not enforced")
	}
}
