package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Manager owns adapter lifecycle, webhook fan-in, and outbound routing.
type Manager struct {
	bus    *bus.MessageBus
	dedupe *bus.DedupeCache

	mu       sync.RWMutex
	adapters map[string]Adapter
	configs  map[string]config.ChannelConfig
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		dedupe:   bus.NewDedupeCache(0, 0),
		adapters: make(map[string]Adapter),
		configs:  make(map[string]config.ChannelConfig),
	}
}

// Register adds an adapter with its channel config.
func (m *Manager) Register(adapter Adapter, cfg config.ChannelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[adapter.Name()] = adapter
	m.configs[adapter.Name()] = cfg
}

// Unregister removes an adapter.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.adapters, name)
	delete(m.configs, name)
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// StartAll starts every registered adapter. A failing adapter is logged and
// skipped; one broken platform must not keep the rest down.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.adapters) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for name, adapter := range m.adapters {
		slog.Info("starting channel", "channel", name)
		if err := adapter.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops every registered adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, adapter := range m.adapters {
		if err := adapter.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// HandleWebhook is the verified-webhook sink: parse, allowlist, dedupe,
// publish. Satisfies the gateway's WebhookSink seam.
func (m *Manager) HandleWebhook(channel string, body []byte) error {
	m.mu.RLock()
	adapter, ok := m.adapters[channel]
	cfg := m.configs[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown channel %s", channel)
	}

	envs, err := adapter.Parse(body)
	if err != nil {
		return fmt.Errorf("parse %s webhook: %w", channel, err)
	}

	for _, env := range envs {
		sender := env.SenderID
		if env.SenderName != "" {
			sender = env.SenderID + "|" + env.SenderName
		}
		if !SenderAllowed(cfg.AllowFrom, sender) {
			slog.Debug("sender not on allowlist", "channel", channel, "sender", env.SenderID)
			continue
		}
		if m.dedupe.Seen(env.DedupeKey()) {
			continue
		}
		m.bus.PublishInbound(env)
	}
	return nil
}

// Deliver routes one reply payload to its adapter.
func (m *Manager) Deliver(ctx context.Context, channel string, to Delivery, payload bus.ReplyPayload) error {
	m.mu.RLock()
	adapter, ok := m.adapters[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown channel %s", channel)
	}
	return adapter.Deliver(ctx, to, payload)
}

// Status reports per-channel running state for the status method.
func (m *Manager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.adapters))
	for name, adapter := range m.adapters {
		out[name] = map[string]any{"running": adapter.Running()}
	}
	return out
}

// EnabledChannels lists registered adapter names.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}
