// Package queue serializes agent work per chat while letting distinct chats
// run in parallel up to a configurable bound.
package queue

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// ProcessFunc drains one chat's pending work. A nil return means the chat is
// caught up; an error schedules a retry with exponential backoff.
type ProcessFunc func(ctx context.Context, chatJID string) error

// Options tunes the queue. Zero values fall back to sane defaults.
type Options struct {
	MaxParallel int
	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 16
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

type chatState struct {
	scheduled bool
	running   bool
	dirty     bool
	attempts  int
	timer     *time.Timer
	proc      *os.Process
	container string
}

// Queue is a per-chat serial work queue. At most one batch runs per chat at
// any time; re-enqueues during a run collapse into a single follow-up pass.
type Queue struct {
	opts   Options
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	chats   map[string]*chatState
	process ProcessFunc
	closed  bool
}

// New builds a queue. SetProcessor must be called before the first Enqueue.
func New(opts Options) *Queue {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxParallel)),
		ctx:    ctx,
		cancel: cancel,
		chats:  make(map[string]*chatState),
	}
}

// SetProcessor installs the drain callback. The router owns the callback but
// also holds the queue, so wiring happens after construction.
func (q *Queue) SetProcessor(fn ProcessFunc) {
	q.mu.Lock()
	q.process = fn
	q.mu.Unlock()
}

// Enqueue requests a drain of chatJID. Calls while the chat is already
// scheduled collapse; calls during a run set a dirty bit that triggers one
// follow-up pass.
func (q *Queue) Enqueue(chatJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.process == nil {
		return
	}
	st := q.chats[chatJID]
	if st == nil {
		st = &chatState{}
		q.chats[chatJID] = st
	}
	if st.running {
		st.dirty = true
		return
	}
	if st.scheduled {
		return
	}
	st.scheduled = true
	q.wg.Add(1)
	go q.run(chatJID)
}

// TrackProcess registers the OS process and container name behind a chat's
// in-flight run so Shutdown can terminate it.
func (q *Queue) TrackProcess(chatJID string, proc *os.Process, container string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.chats[chatJID]; st != nil {
		st.proc = proc
		st.container = container
	}
}

// UntrackProcess clears a chat's process handle once the run finishes.
func (q *Queue) UntrackProcess(chatJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.chats[chatJID]; st != nil {
		st.proc = nil
		st.container = ""
	}
}

func (q *Queue) run(chatJID string) {
	defer q.wg.Done()
	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		q.reset(chatJID)
		return
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.reset(chatJID)
		return
	}
	st := q.chats[chatJID]
	st.running = true
	st.dirty = false
	process := q.process
	q.mu.Unlock()

	err := process(q.ctx, chatJID)

	q.mu.Lock()
	defer q.mu.Unlock()
	st.running = false
	st.proc = nil
	st.container = ""
	if q.closed {
		st.scheduled = false
		return
	}
	if err == nil {
		st.attempts = 0
		if st.dirty {
			st.dirty = false
			q.wg.Add(1)
			go q.run(chatJID)
			return
		}
		st.scheduled = false
		return
	}

	st.attempts++
	if st.attempts >= q.opts.MaxAttempts {
		slog.Error("giving up on chat after repeated failures",
			"chat", chatJID, "attempts", st.attempts, "error", err)
		st.scheduled = false
		st.dirty = false
		st.attempts = 0
		return
	}
	delay := q.backoff(st.attempts)
	slog.Warn("chat drain failed, retrying",
		"chat", chatJID, "attempt", st.attempts, "delay", delay, "error", err)
	st.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			st.scheduled = false
			return
		}
		st.timer = nil
		q.wg.Add(1)
		go q.run(chatJID)
	})
}

func (q *Queue) reset(chatJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.chats[chatJID]; st != nil {
		st.scheduled = false
		st.dirty = false
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.RetryMax {
			return q.opts.RetryMax
		}
	}
	if d > q.opts.RetryMax {
		d = q.opts.RetryMax
	}
	return d
}

// Pending reports whether chatJID has a scheduled or running drain.
func (q *Queue) Pending(chatJID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.chats[chatJID]
	return st != nil && (st.scheduled || st.running)
}

// Shutdown stops accepting work, signals in-flight agent processes with
// SIGTERM, and waits up to timeout before killing stragglers.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.closed = true
	for chat, st := range q.chats {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
			st.scheduled = false
		}
		if st.proc != nil {
			slog.Info("terminating agent process", "chat", chat, "container", st.container)
			_ = st.proc.Signal(syscall.SIGTERM)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		q.mu.Lock()
		for chat, st := range q.chats {
			if st.proc != nil {
				slog.Warn("killing agent process past deadline", "chat", chat, "container", st.container)
				_ = st.proc.Kill()
			}
		}
		q.mu.Unlock()
		q.cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	q.cancel()
}
