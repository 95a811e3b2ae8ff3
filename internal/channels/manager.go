package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Manager owns the registered messengers, handling their lifecycle and
// resolving chat JIDs back to the platform that produced them.
type Manager struct {
	mu         sync.RWMutex
	messengers map[string]Messenger
}

// NewManager creates an empty manager. Messengers are registered externally.
func NewManager() *Manager {
	return &Manager{messengers: make(map[string]Messenger)}
}

// Register adds a messenger under its platform name.
func (m *Manager) Register(ms Messenger) {
	m.mu.Lock()
	m.messengers[ms.Name()] = ms
	m.mu.Unlock()
}

// All returns the registered messengers.
func (m *Manager) All() []Messenger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Messenger, 0, len(m.messengers))
	for _, ms := range m.messengers {
		out = append(out, ms)
	}
	return out
}

// For resolves a chat JID's platform suffix to its messenger.
func (m *Manager) For(chatJID string) (Messenger, error) {
	_, platform := SplitJID(chatJID)
	m.mu.RLock()
	ms, ok := m.messengers[platform]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no messenger for chat %s", chatJID)
	}
	return ms, nil
}

// ConnectAll connects every messenger and starts its listener. A platform
// that fails to connect is fatal; half-connected startups are confusing.
func (m *Manager) ConnectAll(ctx context.Context, handler bus.InboundHandler) error {
	for _, ms := range m.All() {
		slog.Info("connecting messenger", "platform", ms.Name())
		if err := ms.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", ms.Name(), err)
		}
		if err := ms.StartListener(ctx, handler); err != nil {
			return fmt.Errorf("start %s listener: %w", ms.Name(), err)
		}
		if err := ms.RegisterCommands(ctx, DefaultCommands()); err != nil {
			slog.Warn("command registration failed", "platform", ms.Name(), "error", err)
		}
	}
	return nil
}

// DisconnectAll tears every messenger down, logging failures.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, ms := range m.All() {
		slog.Info("disconnecting messenger", "platform", ms.Name())
		if err := ms.Disconnect(ctx); err != nil {
			slog.Error("messenger disconnect failed", "platform", ms.Name(), "error", err)
		}
	}
}
