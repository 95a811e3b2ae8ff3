// Package router is the orchestration core: it ingests normalised platform
// messages, builds per-chat batches, intercepts in-band commands, runs the
// trigger gate, dispatches agent batches, and relays agent status lines back
// to the platform.
package router

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// BatchRunner runs one agent batch. *agent.Dispatcher satisfies it.
type BatchRunner interface {
	RunBatch(ctx context.Context, req agent.BatchRequest) (*agent.BatchResult, error)
}

// Router wires the store, the per-chat queue, the messengers and the agent
// dispatcher together.
type Router struct {
	cfg        *config.Config
	store      *store.Store
	queue      *queue.Queue
	messengers *channels.Manager
	dispatch   BatchRunner

	statusDebounce time.Duration

	// Due scheduled tasks wait here until the chat's serial lane picks them
	// up, so a task run never overlaps a message batch for the same chat.
	tasksMu      sync.Mutex
	pendingTasks map[string][]store.ScheduledTask
	pendingIDs   map[string]bool
}

// New builds the router and installs it as the queue's processor.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, mgr *channels.Manager, dispatch BatchRunner) *Router {
	r := &Router{
		cfg:            cfg,
		store:          st,
		queue:          q,
		messengers:     mgr,
		dispatch:       dispatch,
		statusDebounce: 2 * time.Second,
		pendingTasks:   make(map[string][]store.ScheduledTask),
		pendingIDs:     make(map[string]bool),
	}
	q.SetProcessor(r.ProcessChat)
	return r
}

// botPrefix marks the assistant's own outbound messages so ingestion can
// filter echoes out of agent batches.
func (r *Router) botPrefix() string {
	return r.cfg.AssistantName + ": "
}

// Run starts the store tail loop and blocks until ctx is cancelled. Before
// tailing it performs the recovery scan and greets the main chat.
func (r *Router) Run(ctx context.Context) {
	r.recoveryScan(ctx)
	r.greetMain(ctx)

	interval := r.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("router tail loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("router tail loop stopped")
			return
		case <-ticker.C:
			r.tailOnce(ctx)
		}
	}
}

// pollInterval is the fastest cadence any polling messenger asks for.
func (r *Router) pollInterval() time.Duration {
	interval := r.cfg.TelegramPollInterval()
	for _, ms := range r.messengers.All() {
		if ms.NeedsPolling() && ms.PollInterval() > 0 && ms.PollInterval() < interval {
			interval = ms.PollInterval()
		}
	}
	return interval
}

// tailOnce advances the global ingestion cursor and enqueues chats with new
// messages. Only chats on polling platforms are tailed; push platforms
// enqueue at ingestion.
func (r *Router) tailOnce(ctx context.Context) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		slog.Error("tail: list groups", "error", err)
		return
	}
	var chatJIDs []string
	for _, g := range groups {
		ms, err := r.messengers.For(g.JID)
		if err != nil || !ms.NeedsPolling() {
			continue
		}
		chatJIDs = append(chatJIDs, g.JID)
	}
	if len(chatJIDs) == 0 {
		return
	}

	cursor, err := r.store.LastTimestamp(ctx)
	if err != nil {
		slog.Error("tail: read cursor", "error", err)
		return
	}
	msgs, maxTS, err := r.store.GetNewMessages(ctx, chatJIDs, cursor, r.botPrefix())
	if err != nil {
		slog.Error("tail: get new messages", "error", err)
		return
	}
	if maxTS != cursor {
		if err := r.store.SetLastTimestamp(ctx, maxTS); err != nil {
			slog.Error("tail: advance cursor", "error", err)
		}
	}

	touched := make(map[string]bool)
	for _, m := range msgs {
		if m.FromMe || touched[m.ChatJID] {
			continue
		}
		touched[m.ChatJID] = true
		r.queue.Enqueue(m.ChatJID)
	}
}

// recoveryScan enqueues every registered chat with messages beyond its agent
// cursor, so work interrupted by a crash resumes at boot.
func (r *Router) recoveryScan(ctx context.Context) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		slog.Error("recovery scan: list groups", "error", err)
		return
	}
	for _, g := range groups {
		cursor, err := r.store.AgentCursor(ctx, g.JID)
		if err != nil {
			continue
		}
		msgs, _, err := r.store.GetMessagesSince(ctx, g.JID, cursor, r.botPrefix())
		if err != nil || len(msgs) == 0 {
			continue
		}
		slog.Info("recovering pending work", "chat", g.JID, "messages", len(msgs))
		r.queue.Enqueue(g.JID)
	}
}

// greetMain announces startup in the main chat, when one exists.
func (r *Router) greetMain(ctx context.Context) {
	main, err := r.store.MainGroup(ctx)
	if err != nil {
		return
	}
	ms, err := r.messengers.For(main.JID)
	if err != nil {
		return
	}
	text := r.cfg.AssistantName + " is online."
	if err := ms.Send(ctx, main.JID, text); err != nil {
		slog.Warn("startup greeting failed", "chat", main.JID, "error", err)
	}
}

// TrackProcess is handed to the dispatcher so running containers survive into
// the shutdown path.
func (r *Router) trackProcess(chatJID string) func(*os.Process, string) {
	return func(proc *os.Process, container string) {
		r.queue.TrackProcess(chatJID, proc, container)
	}
}
