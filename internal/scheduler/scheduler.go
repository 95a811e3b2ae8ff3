// Package scheduler polls for due tasks and hands them to the router, which
// runs each inside its chat's serial queue lane. The scheduler itself never
// spawns agents; per-chat serialisation stays with the queue.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// TaskSink accepts due tasks for serialised execution. The router satisfies it.
type TaskSink interface {
	SubmitTask(task store.ScheduledTask)
}

// Scheduler submits due tasks on a fixed tick.
type Scheduler struct {
	cfg   *config.Config
	store *store.Store
	sink  TaskSink
	tick  time.Duration
}

func New(cfg *config.Config, st *store.Store, sink TaskSink) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		store: st,
		sink:  sink,
		tick:  cfg.SchedulerTick(),
	}
}

// Run submits due tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue hands every task whose next_run has passed to the sink. Tasks whose
// chat lost its registration are completed in place; they can never run again.
func (s *Scheduler) runDue(ctx context.Context) {
	tasks, err := s.store.DueTasks(ctx, store.Now())
	if err != nil {
		slog.Error("scheduler: list due tasks", "error", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		_, err := s.store.GetGroup(ctx, task.ChatJID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("scheduler: task chat unregistered", "task", task.ID, "chat", task.ChatJID)
			if err := s.store.UpdateTaskAfterRun(ctx, task.ID, "", store.Now(), "error: chat unregistered"); err != nil {
				slog.Error("scheduler: complete orphaned task", "task", task.ID, "error", err)
			}
			continue
		}
		if err != nil {
			slog.Error("scheduler: resolve task chat", "task", task.ID, "error", err)
			continue
		}
		s.sink.SubmitTask(task)
	}
}
