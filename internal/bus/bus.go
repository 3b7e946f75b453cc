// Package bus carries messages between transport channels and the router.
package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// InboundMessage is one parsed inbound text from a transport channel.
type InboundMessage struct {
	Channel     string    // transport name ("sms", "telegram")
	From        string    // origin address (phone number or chat id)
	To          string    // destination address, resolves the persona
	PersonaSlug string    // set by channels that bind a persona directly
	Body        string
	Kind        string // provider message kind, e.g. "message"
	SentAt      time.Time
	DeliveryKey string // transport delivery id for redelivery dedupe
}

// BillingEvent is one parsed billing provider webhook.
type BillingEvent struct {
	Type             string    `json:"type"`
	EventID          string    `json:"event_id"`
	CustomerID       string    `json:"customer_id"`
	UserID           string    `json:"user_id,omitempty"` // checkout metadata, links customer on first event
	SubscriptionID   string    `json:"subscription_id,omitempty"`
	CurrentPeriodEnd time.Time `json:"current_period_end,omitempty"`
	Terminal         bool      `json:"terminal,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// OutboundMessage is one reply handed back to a transport channel.
type OutboundMessage struct {
	Channel     string
	From        string // persona's own address on this transport
	To          string
	Body        string
	PersonaID   string
	PersonaName string
}

// MessageBus is a buffered fan-out between channels and the router.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the send function for one channel name.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// DispatchOutbound routes outbound messages to their channel until the
// context ends.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no subscriber for channel %s, dropping outbound", msg.Channel)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
