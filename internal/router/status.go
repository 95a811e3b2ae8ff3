package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
)

// statusPrefix marks ephemeral progress lines on the chat surface.
const statusPrefix = "⏳ "

// statusRelay maintains at most one platform status message per batch,
// editing it in place as STATUS lines arrive. Identical lines and lines
// inside the debounce window are coalesced.
type statusRelay struct {
	ctx           context.Context
	messengers    *channels.Manager
	chatJID       string
	correlationID string
	replyTo       string
	debounce      time.Duration

	mu     sync.Mutex
	first  bool
	last   string
	lastAt time.Time
}

func newStatusRelay(ctx context.Context, mgr *channels.Manager, chatJID, correlationID, replyTo string, debounce time.Duration) *statusRelay {
	return &statusRelay{
		ctx:           ctx,
		messengers:    mgr,
		chatJID:       chatJID,
		correlationID: correlationID,
		replyTo:       replyTo,
		debounce:      debounce,
		first:         true,
	}
}

// Update posts or edits the status line. Called from the dispatcher's stderr
// goroutine.
func (s *statusRelay) Update(text string) {
	s.mu.Lock()
	now := time.Now()
	if text == s.last || (!s.first && now.Sub(s.lastAt) < s.debounce) {
		s.mu.Unlock()
		return
	}
	first := s.first
	s.first = false
	s.last = text
	s.lastAt = now
	s.mu.Unlock()

	s.send(statusPrefix+text, first)
}

// Fail overwrites the status with a terminal error line, bypassing the
// debounce, then drops tracking so the next batch starts fresh.
func (s *statusRelay) Fail(err error) {
	s.mu.Lock()
	first := s.first
	s.first = false
	s.mu.Unlock()

	s.send("❌ "+err.Error(), first)
	s.clear()
}

// Done drops status tracking after a successful batch. The last status line
// stays on the platform; the reply supersedes it.
func (s *statusRelay) Done() {
	s.clear()
}

func (s *statusRelay) send(text string, first bool) {
	ms, err := s.messengers.For(s.chatJID)
	if err != nil {
		return
	}
	if err := ms.SendOrUpdateStatus(s.ctx, s.chatJID, s.correlationID, text, first, s.replyTo); err != nil {
		slog.Warn("status relay send failed", "chat", s.chatJID, "error", err)
	}
}

func (s *statusRelay) clear() {
	if ms, err := s.messengers.For(s.chatJID); err == nil {
		ms.ClearStatus(s.chatJID, s.correlationID)
	}
}
