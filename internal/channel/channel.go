// Package channel implements transport adapters. Each adapter turns provider
// traffic into bus messages and sends replies back out through the provider.
package channel

import (
	"context"

	"github.com/lunarclabs/heartline/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// IngestFunc accepts one inbound message and persists it before returning.
// Transports that must ack durably (SMS webhooks) call it synchronously.
type IngestFunc func(ctx context.Context, msg bus.InboundMessage) error

// BillingFunc applies one billing event synchronously.
type BillingFunc func(ctx context.Context, ev bus.BillingEvent) error

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether a sender passes the allowlist. An empty
// allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}
