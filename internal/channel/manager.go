package channel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lunarclabs/heartline/internal/bus"
	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/store"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

// NewChannelManager wires the SMS transport (always on, it carries the
// webhook surface) plus any optional channels from config.
func NewChannelManager(cfg *config.Config, b *bus.MessageBus, st *store.Store, ingest IngestFunc, billing BillingFunc) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	sms, err := NewSMSChannel(cfg, b, st, ingest, billing)
	if err != nil {
		return nil, fmt.Errorf("init sms channel: %w", err)
	}
	m.register(sms)

	if cfg.Channels.Telegram.Enabled {
		tg, err := NewTelegramChannel(cfg.Channels.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.register(tg)
	}

	return m, nil
}

func (m *ChannelManager) register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Printf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})
}

func (m *ChannelManager) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Printf("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
