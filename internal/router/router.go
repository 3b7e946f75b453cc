// Package router orchestrates one conversation turn: durable ingest before
// the webhook ack, then lifecycle evaluation, context assembly, generation
// and delivery in the background.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lunarclabs/heartline/internal/bus"
	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/lifecycle"
	"github.com/lunarclabs/heartline/internal/memory"
	"github.com/lunarclabs/heartline/internal/store"
)

// Generator is the reply producer the router depends on.
type Generator interface {
	Reply(ctx context.Context, gc *memory.GenerationContext, sessionID string) (string, error)
}

type Router struct {
	store    *store.Store
	memory   *memory.Store
	gen      Generator
	bus      *bus.MessageBus
	model    string
	fallback string
	assemble memory.AssembleConfig

	pool *workerPool
}

func New(st *store.Store, mem *memory.Store, gen Generator, b *bus.MessageBus, cfg *config.Config) *Router {
	r := &Router{
		store:    st,
		memory:   mem,
		gen:      gen,
		bus:      b,
		model:    cfg.Agent.Model,
		fallback: config.DefaultFallbackReply,
		assemble: memory.AssembleConfig{
			RecentWindow:  cfg.Context.RecentWindow,
			TopPeople:     cfg.Context.TopPeople,
			PersonRecency: time.Duration(cfg.Context.PersonRecencyDays) * 24 * time.Hour,
			MaxSummaries:  cfg.Context.MaxSummaries,
			CharBudget:    cfg.Context.CharBudget,
		},
	}
	r.pool = newWorkerPool(config.DefaultWorkers, r.process)
	return r
}

// Start launches the background workers. They drain until ctx ends.
func (r *Router) Start(ctx context.Context) {
	r.pool.start(ctx)
}

type task struct {
	userID  string
	persona *store.Persona
	msg     bus.InboundMessage
}

// HandleInbound is the durable phase, run synchronously before the webhook
// ack. Everything that must survive a crash happens here; generation is
// queued behind it. A nil return means the transport may ack.
func (r *Router) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	blocked, err := r.store.IsBlocked(msg.From)
	if err != nil {
		return fmt.Errorf("blocked lookup: %w", err)
	}
	if blocked {
		log.Printf("[router] dropping message from blocked number %s", msg.From)
		return nil
	}

	persona, err := r.resolvePersona(msg)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[router] no persona for destination %q (slug %q), dropping", msg.To, msg.PersonaSlug)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve persona: %w", err)
	}

	seen, err := r.store.SeenDelivery(msg.DeliveryKey)
	if err != nil {
		return fmt.Errorf("delivery dedupe: %w", err)
	}
	if seen {
		log.Printf("[router] duplicate delivery %s, dropping", msg.DeliveryKey)
		return nil
	}

	user, err := r.ensureUser(msg.From, persona)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}

	if !user.MemoryInitialized {
		// Bootstrap failure leaves the flag unset so the next message retries.
		if err := r.memory.Initialize(persona.ID, user.ID, time.Now()); err != nil {
			log.Printf("[router] memory bootstrap for %s failed: %v", user.ID, err)
		} else if err := r.store.MarkMemoryInitialized(user.ID); err != nil {
			log.Printf("[router] mark memory initialized for %s failed: %v", user.ID, err)
		}
	}

	// The turn and its delivery key commit together: a failure here leaves
	// the key unclaimed, so the provider's retry after our 500 goes through.
	_, dup, err := r.store.LogInboundTurn(user.ID, persona.ID, msg.Body, msg.DeliveryKey)
	if err != nil {
		return fmt.Errorf("log inbound turn: %w", err)
	}
	if dup {
		log.Printf("[router] duplicate delivery %s, dropping", msg.DeliveryKey)
		return nil
	}
	if err := r.store.TouchLastMessage(user.ID, "user"); err != nil {
		log.Printf("[router] touch last message for %s failed: %v", user.ID, err)
	}

	t := task{userID: user.ID, persona: persona, msg: msg}
	if !r.pool.enqueue(t) {
		// The turn is logged and about to be acked; the user still gets a
		// reply even when the workers are saturated.
		log.Printf("[router] worker queue full for user %s, sending fallback", user.ID)
		r.deliver(t, r.fallback, "fallback")
	}
	return nil
}

func (r *Router) resolvePersona(msg bus.InboundMessage) (*store.Persona, error) {
	if msg.PersonaSlug != "" {
		return r.store.PersonaBySlug(msg.PersonaSlug)
	}
	return r.store.PersonaByNumber(msg.To)
}

func (r *Router) ensureUser(from string, persona *store.Persona) (*store.User, error) {
	user, err := r.store.UserByPhone(from, persona.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user, err = r.store.CreateUser(from, persona.ID)
	if err != nil {
		return nil, err
	}
	if err := r.store.TrackEvent(user.ID, persona.ID, lifecycle.EventFirstMessage, ""); err != nil {
		log.Printf("[router] track first_message for %s failed: %v", user.ID, err)
	}
	if err := r.store.IncrementPersonaUsers(persona.ID); err != nil {
		log.Printf("[router] bump persona users for %s failed: %v", persona.ID, err)
	}
	log.Printf("[router] new user %s for persona %s", user.ID, persona.Slug)
	return user, nil
}

// process runs one queued turn. Any failure inside it degrades to the fixed
// fallback reply; the user always hears something.
func (r *Router) process(ctx context.Context, t task) {
	reply, model, err := r.safeGenerate(ctx, t)
	if err != nil {
		log.Printf("[router] reply for user %s failed, sending fallback: %v", t.userID, err)
		reply, model = r.fallback, "fallback"
	}
	r.deliver(t, reply, model)
}

// safeGenerate converts a panicking turn into an ordinary error so the
// fallback path still runs.
func (r *Router) safeGenerate(ctx context.Context, t task) (reply, model string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.generateReply(ctx, t)
}

func (r *Router) generateReply(ctx context.Context, t task) (string, string, error) {
	user, err := r.store.UserByID(t.userID)
	if err != nil {
		return "", "", fmt.Errorf("load user: %w", err)
	}

	status, err := r.advanceLifecycle(user, t.persona)
	if err != nil {
		return "", "", err
	}

	gc, err := r.assembleContext(user, t.persona, status, t.msg.Body)
	if err != nil {
		return "", "", err
	}

	sessionID := t.persona.ID + ":" + user.ID
	reply, err := r.gen.Reply(ctx, gc, sessionID)
	if err != nil {
		return "", "", err
	}
	return reply, r.model, nil
}

// advanceLifecycle applies the message trigger plus period-end lapse
// detection and returns the status the reply should be generated under.
func (r *Router) advanceLifecycle(user *store.User, persona *store.Persona) (lifecycle.Status, error) {
	count, err := r.store.IncrementFreeMessages(user.ID)
	if err != nil {
		return "", fmt.Errorf("increment free messages: %w", err)
	}

	status := lifecycle.Normalize(user.Status)
	res := lifecycle.Transition(status, lifecycle.MessageReceived{
		NewFreeCount: count,
		MaxFree:      persona.MaxFreeMessages,
	})
	if err := r.applyResult(user.ID, persona.ID, res, ""); err != nil {
		return "", err
	}
	status = res.Status

	if status == lifecycle.StatusActive && periodEnded(user.SubscriptionPeriodEnd) {
		lapse := lifecycle.Transition(status, lifecycle.SubscriptionLapsed{})
		if err := r.applyResult(user.ID, persona.ID, lapse, ""); err != nil {
			return "", err
		}
		status = lapse.Status
		log.Printf("[router] user %s lapsed past period end", user.ID)
	}
	return status, nil
}

func periodEnded(periodEnd string) bool {
	if periodEnd == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339, periodEnd)
	if err != nil {
		return false
	}
	return ts.Before(time.Now())
}

func (r *Router) applyResult(userID, personaID string, res lifecycle.Result, eventID string) error {
	if err := r.store.ApplyTransition(userID, res); err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	meta := ""
	if eventID != "" {
		raw, _ := json.Marshal(map[string]string{"event_id": eventID})
		meta = string(raw)
	}
	for _, ev := range res.Events {
		if err := r.store.TrackEvent(userID, personaID, ev, meta); err != nil {
			log.Printf("[router] track %s for %s failed: %v", ev, userID, err)
		}
	}
	return nil
}

// assembleContext builds the generation input. Hot memory failures degrade
// to the empty scaffold instead of blocking the reply; paused and churned
// users get the hot tier and recent window only.
func (r *Router) assembleContext(user *store.User, persona *store.Persona, status lifecycle.Status, message string) (*memory.GenerationContext, error) {
	degraded := false
	hot, err := r.memory.LoadHot(persona.ID, user.ID)
	if err != nil {
		if !errors.Is(err, memory.ErrNoHotMemory) {
			log.Printf("[router] load hot memory for %s failed: %v", user.ID, err)
		}
		hot, degraded = nil, true
	}

	var people []memory.PersonMemory
	var summaries []memory.ConversationSummary
	if lifecycle.FullAccess(status) {
		all, err := r.memory.People(persona.ID, user.ID)
		if err != nil {
			log.Printf("[router] load people for %s failed: %v", user.ID, err)
		} else {
			people = memory.SelectPeople(all, message, time.Now(), r.assemble)
		}

		var open []memory.ActiveThread
		if hot != nil {
			open = hot.OpenThreads()
		}
		recent, err := r.memory.Summaries(persona.ID, user.ID, 50)
		if err != nil {
			log.Printf("[router] load summaries for %s failed: %v", user.ID, err)
		} else {
			summaries = memory.SelectSummaries(recent, memory.ExtractKeywords(message), open, r.assemble)
		}
	}

	window := r.assemble.RecentWindow
	if window <= 0 {
		window = memory.DefaultAssembleConfig().RecentWindow
	}
	turns, err := r.store.RecentTurns(user.ID, window)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	recent := make([]memory.Message, 0, len(turns))
	for _, t := range turns {
		recent = append(recent, memory.Message{Role: t.Role, Content: t.Content})
	}

	gc := memory.Assemble(persona.PersonalityPrompt, hot, people, summaries, recent,
		message, string(status), degraded, r.assemble)
	return gc, nil
}

// deliver sends the reply and records the outbound side of the turn.
func (r *Router) deliver(t task, reply, model string) {
	r.bus.Outbound <- bus.OutboundMessage{
		Channel:     t.msg.Channel,
		From:        t.persona.PhoneNumber,
		To:          t.msg.From,
		Body:        reply,
		PersonaID:   t.persona.ID,
		PersonaName: t.persona.Name,
	}

	if _, err := r.store.AppendTurn(t.userID, t.persona.ID, "assistant", reply, model); err != nil {
		log.Printf("[router] log outbound turn for %s failed: %v", t.userID, err)
	}
	if err := r.store.TouchLastMessage(t.userID, "assistant"); err != nil {
		log.Printf("[router] touch last message for %s failed: %v", t.userID, err)
	}
	if err := r.store.IncrementPersonaConversations(t.persona.ID); err != nil {
		log.Printf("[router] bump persona conversations for %s failed: %v", t.persona.ID, err)
	}
}

// HandleBilling applies one provider billing event synchronously. Unknown
// event types ack without effect so the provider stops retrying them.
func (r *Router) HandleBilling(ctx context.Context, ev bus.BillingEvent) error {
	trig, ok := billingTrigger(ev)
	if !ok {
		log.Printf("[router] ignoring billing event type %q", ev.Type)
		return nil
	}

	user, err := r.billingUser(ev)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[router] billing event %s for unknown customer %s, dropping", ev.EventID, ev.CustomerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve billing user: %w", err)
	}

	if ev.EventID != "" {
		seen, err := r.store.SeenDelivery("billing:" + ev.EventID)
		if err != nil {
			return fmt.Errorf("billing dedupe: %w", err)
		}
		if seen {
			return nil
		}
	}

	periodEnd := ""
	if !ev.CurrentPeriodEnd.IsZero() {
		periodEnd = ev.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	if ev.CustomerID != "" {
		if err := r.store.SetBilling(user.ID, ev.CustomerID, ev.SubscriptionID, periodEnd); err != nil {
			return fmt.Errorf("set billing: %w", err)
		}
	}

	res := lifecycle.Transition(user.Status, trig)
	if err := r.applyResult(user.ID, user.PersonaID, res, ev.EventID); err != nil {
		return err
	}
	// Claimed only after the transition persists, so a failed apply stays
	// retryable.
	if ev.EventID != "" {
		if err := r.store.MarkDelivery("billing:" + ev.EventID); err != nil {
			log.Printf("[router] mark billing delivery %s failed: %v", ev.EventID, err)
		}
	}
	if res.Changed {
		log.Printf("[router] user %s: %s -> %s (%s)", user.ID, user.Status, res.Status, ev.Type)
	}
	return nil
}

func (r *Router) billingUser(ev bus.BillingEvent) (*store.User, error) {
	user, err := r.store.UserByBillingCustomer(ev.CustomerID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) || ev.UserID == "" {
		return nil, err
	}
	// First event for this customer: checkout metadata carries our user id.
	return r.store.UserByID(ev.UserID)
}

func billingTrigger(ev bus.BillingEvent) (lifecycle.Trigger, bool) {
	switch ev.Type {
	case "checkout_started", "payment_started":
		return lifecycle.PaymentStarted{}, true
	case "trial_started":
		return lifecycle.PaymentCompleted{Subscription: lifecycle.SubTrialing}, true
	case "payment_completed", "subscription_renewed":
		return lifecycle.PaymentCompleted{Subscription: lifecycle.SubActive}, true
	case "subscription_past_due":
		return lifecycle.SubscriptionLapsed{}, true
	case "subscription_canceled":
		return lifecycle.SubscriptionCanceled{Reason: ev.Reason}, true
	case "payment_failed":
		return lifecycle.PaymentFailed{Terminal: ev.Terminal, Reason: ev.Reason}, true
	default:
		return nil, false
	}
}
