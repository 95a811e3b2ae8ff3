package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/cron"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// SubmitTask queues a due scheduled task behind its chat's serial lane.
// Resubmitting a task that is still pending is a no-op.
func (r *Router) SubmitTask(task store.ScheduledTask) {
	r.tasksMu.Lock()
	if r.pendingIDs[task.ID] {
		r.tasksMu.Unlock()
		return
	}
	r.pendingIDs[task.ID] = true
	r.pendingTasks[task.ChatJID] = append(r.pendingTasks[task.ChatJID], task)
	r.tasksMu.Unlock()

	r.queue.Enqueue(task.ChatJID)
}

func (r *Router) takePendingTasks(chatJID string) []store.ScheduledTask {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	tasks := r.pendingTasks[chatJID]
	delete(r.pendingTasks, chatJID)
	for _, t := range tasks {
		delete(r.pendingIDs, t.ID)
	}
	return tasks
}

// runScheduledTask executes one due task and persists its outcome. Failures
// are recorded in the run log, never retried through the queue; the schedule
// decides when the task fires again.
func (r *Router) runScheduledTask(ctx context.Context, group *store.RegisteredGroup, task store.ScheduledTask) {
	slog.Info("firing scheduled task", "task", task.ID, "folder", task.GroupFolder, "mode", task.ContextMode)

	start := time.Now()
	res, runErr := r.dispatch.RunBatch(ctx, agent.BatchRequest{
		Group:           *group,
		ChatJID:         task.ChatJID,
		Prompt:          task.Prompt,
		IsScheduledTask: true,
		Isolated:        task.ContextMode != store.ContextModeGroup,
	})
	duration := time.Since(start)

	result := "ok"
	outcome := "ok"
	if runErr != nil {
		result = "error: " + runErr.Error()
		outcome = "error"
		slog.Error("scheduled task run failed", "task", task.ID, "error", runErr)
	} else if res.Message != "" {
		r.sendAssistantReply(ctx, task.ChatJID, res.Message)
	}

	nextRun := ""
	next, err := cron.NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), r.cfg.Location())
	if err != nil {
		slog.Error("scheduled task next-run computation failed", "task", task.ID, "error", err)
		result += " (next run: " + err.Error() + ")"
	} else if !next.IsZero() {
		nextRun = bus.FormatTime(next)
	}

	now := store.Now()
	if err := r.store.UpdateTaskAfterRun(ctx, task.ID, nextRun, now, result); err != nil {
		slog.Error("scheduled task update failed", "task", task.ID, "error", err)
	}
	if err := r.store.AppendTaskRunLog(ctx, store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      now,
		DurationMS: duration.Milliseconds(),
		Outcome:    outcome,
		Detail:     result,
	}); err != nil {
		slog.Error("scheduled task run log failed", "task", task.ID, "error", err)
	}
}
