package channel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lunarclabs/heartline/internal/bus"
	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/store"
)

const smsChannelName = "sms"

// smsWebhook is the provider's inbound message payload.
type smsWebhook struct {
	ID          string `json:"id"`
	FromNumber  string `json:"from_number"`
	ToNumber    string `json:"to_number"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	DateSent    string `json:"date_sent"`
}

type smsSendRequest struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	Content    string `json:"content"`
}

// SMSChannel hosts the HTTP surface: provider webhooks, billing webhook,
// health and admin endpoints, plus the outbound send client.
type SMSChannel struct {
	BaseChannel
	addr          string
	apiKey        string
	apiSecret     string
	sendURL       string
	billingSecret string
	adminKey      string

	store      *store.Store
	ingest     IngestFunc
	billing    BillingFunc
	server     *http.Server
	httpClient *http.Client
}

func NewSMSChannel(cfg *config.Config, b *bus.MessageBus, st *store.Store, ingest IngestFunc, billing BillingFunc) (*SMSChannel, error) {
	if ingest == nil {
		return nil, fmt.Errorf("sms channel requires an ingest handler")
	}
	return &SMSChannel{
		BaseChannel:   NewBaseChannel(smsChannelName, b, nil),
		addr:          fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		apiKey:        cfg.SMS.APIKey,
		apiSecret:     cfg.SMS.APISecret,
		sendURL:       cfg.SMS.SendURL,
		billingSecret: cfg.Billing.WebhookSecret,
		adminKey:      cfg.Admin.APIKey,
		store:         st,
		ingest:        ingest,
		billing:       billing,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (s *SMSChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/sms", s.handleInbound)
	mux.HandleFunc("POST /webhook/billing", s.handleBilling)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /admin/personas", s.withAdminKey(s.handleAdminPersonas))
	mux.HandleFunc("GET /admin/users", s.withAdminKey(s.handleAdminUsers))

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		log.Printf("[sms] listening on %s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[sms] server error: %v", err)
		}
	}()
	return nil
}

// handleInbound parses the provider webhook and runs the durable ingest
// phase before acking. A non-2xx response makes the provider redeliver, so
// failures after persistence rely on delivery dedupe to stay idempotent.
func (s *SMSChannel) handleInbound(w http.ResponseWriter, r *http.Request) {
	var payload smsWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.FromNumber == "" || payload.ToNumber == "" {
		http.Error(w, "missing from_number or to_number", http.StatusBadRequest)
		return
	}

	// Delivery receipts and other non-message callbacks get acked and dropped.
	if payload.MessageType != "" && payload.MessageType != "message" {
		fmt.Fprint(w, "OK")
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		fmt.Fprint(w, "OK")
		return
	}

	sentAt := time.Now()
	if payload.DateSent != "" {
		if ts, err := time.Parse(time.RFC3339, payload.DateSent); err == nil {
			sentAt = ts
		}
	}

	deliveryKey := "sms:" + payload.ID
	if payload.ID == "" {
		// Some providers omit the message id. Derive a stable key from the
		// payload itself so redelivery still dedupes.
		sum := sha256.Sum256([]byte(payload.FromNumber + "|" + payload.ToNumber + "|" + payload.Content + "|" + payload.DateSent))
		deliveryKey = fmt.Sprintf("sms:%x", sum[:12])
	}

	err := s.ingest(r.Context(), bus.InboundMessage{
		Channel:     smsChannelName,
		From:        payload.FromNumber,
		To:          payload.ToNumber,
		Body:        payload.Content,
		Kind:        "message",
		SentAt:      sentAt,
		DeliveryKey: deliveryKey,
	})
	if err != nil {
		log.Printf("[sms] ingest from %s failed: %v", payload.FromNumber, err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "OK")
}

func (s *SMSChannel) handleBilling(w http.ResponseWriter, r *http.Request) {
	if s.billingSecret != "" {
		got := r.Header.Get("x-webhook-secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.billingSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if s.billing == nil {
		http.Error(w, "billing not configured", http.StatusNotImplemented)
		return
	}

	var ev bus.BillingEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if ev.Type == "" || ev.CustomerID == "" {
		http.Error(w, "missing type or customer_id", http.StatusBadRequest)
		return
	}

	if err := s.billing(r.Context(), ev); err != nil {
		log.Printf("[sms] billing event %s (%s) failed: %v", ev.EventID, ev.Type, err)
		http.Error(w, "billing failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "OK")
}

func (s *SMSChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	personas, users, turns, err := s.store.Counts()
	if err != nil {
		http.Error(w, "unhealthy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":   "ok",
		"personas": personas,
		"users":    users,
		"turns":    turns,
	})
}

func (s *SMSChannel) withAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			http.Error(w, "admin api disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *SMSChannel) handleAdminPersonas(w http.ResponseWriter, _ *http.Request) {
	personas, err := s.store.ListPersonas(100)
	if err != nil {
		http.Error(w, "list personas failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"personas": personas})
}

func (s *SMSChannel) handleAdminUsers(w http.ResponseWriter, _ *http.Request) {
	users, err := s.store.ListUsers(200)
	if err != nil {
		http.Error(w, "list users failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"users": users})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[sms] write response: %v", err)
	}
}

// Send posts one outbound text to the provider API. The persona's own phone
// number goes in from_number so the reply arrives from the right identity.
func (s *SMSChannel) Send(msg bus.OutboundMessage) error {
	if s.sendURL == "" {
		return fmt.Errorf("sms send url not configured")
	}

	body, err := json.Marshal(smsSendRequest{
		FromNumber: msg.From,
		ToNumber:   msg.To,
		Content:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.apiKey, s.apiSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post sms: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (s *SMSChannel) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Printf("[sms] shutdown error: %v", err)
		}
	}
	log.Printf("[sms] stopped")
	return nil
}
