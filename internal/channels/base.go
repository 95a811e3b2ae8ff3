package channels

import (
	"container/list"
	"sync"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// seenCapacity bounds the duplicate-suppression window per messenger.
const seenCapacity = 1000

// Base provides shared messenger state: a bounded seen-message LRU for
// duplicate suppression and the status-message registry used by the
// edit-in-place status relay. Messenger implementations embed it.
type Base struct {
	name string

	mu       sync.Mutex
	seen     map[string]*list.Element
	order    *list.List // front = oldest
	statuses map[string]string
	handler  bus.InboundHandler
	running  bool
}

// NewBase creates the shared state for a messenger named name.
func NewBase(name string) *Base {
	return &Base{
		name:     name,
		seen:     make(map[string]*list.Element),
		order:    list.New(),
		statuses: make(map[string]string),
	}
}

// Name returns the platform identifier.
func (b *Base) Name() string { return b.name }

// SetRunning updates the connection state.
func (b *Base) SetRunning(running bool) {
	b.mu.Lock()
	b.running = running
	b.mu.Unlock()
}

// IsRunning reports whether the messenger is connected.
func (b *Base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetHandler installs the inbound delivery callback.
func (b *Base) SetHandler(h bus.InboundHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Deliver forwards one inbound message to the installed handler.
func (b *Base) Deliver(msg bus.InboundMessage) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// MarkSeen records a platform message ID, returning false when the ID was
// already seen inside the LRU window. The oldest entry is evicted at capacity.
func (b *Base) MarkSeen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.seen[id]; ok {
		b.order.MoveToBack(el)
		return false
	}
	b.seen[id] = b.order.PushBack(id)
	if b.order.Len() > seenCapacity {
		oldest := b.order.Front()
		b.order.Remove(oldest)
		delete(b.seen, oldest.Value.(string))
	}
	return true
}

func statusKey(chatJID, correlationID string) string {
	return chatJID + "\x00" + correlationID
}

// TrackStatus remembers the platform message ID behind a status line.
func (b *Base) TrackStatus(chatJID, correlationID, messageID string) {
	b.mu.Lock()
	b.statuses[statusKey(chatJID, correlationID)] = messageID
	b.mu.Unlock()
}

// StatusMessage returns the tracked status message ID, if any.
func (b *Base) StatusMessage(chatJID, correlationID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.statuses[statusKey(chatJID, correlationID)]
	return id, ok
}

// ClearStatus drops the tracked status message for a correlation.
func (b *Base) ClearStatus(chatJID, correlationID string) {
	b.mu.Lock()
	delete(b.statuses, statusKey(chatJID, correlationID))
	b.mu.Unlock()
}
