package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Scheduled task statuses.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
)

// Task context modes.
const (
	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"
)

// ScheduledTask is a recurring or one-shot agent prompt bound to a workspace.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // "cron", "interval", "once"
	ScheduleValue string
	ContextMode   string // "group" or "isolated"
	NextRun       string // ISO timestamp, "" = never fires again
	LastRun       string
	LastResult    string
	Status        string
	CreatedAt     string
}

// TaskRunLog is one append-only run record.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	RunAt      string
	DurationMS int64
	Outcome    string
	Detail     string
}

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) error {
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextModeIsolated
	}
	if t.CreatedAt == "" {
		t.CreatedAt = Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
			 next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		nullable(t.NextRun), nullable(t.LastRun), nullable(t.LastResult), t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	COALESCE(next_run, ''), COALESCE(last_run, ''), COALESCE(last_result, ''), status, created_at`

func scanTask(row interface{ Scan(...any) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskByID looks up one task.
func (s *Store) TaskByID(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// DueTasks returns active tasks whose next_run has passed, soonest first.
func (s *Store) DueTasks(ctx context.Context, now string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run != '' AND next_run <= ?
		ORDER BY next_run`, TaskStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// TasksForGroup returns tasks scoped to one workspace folder.
func (s *Store) TasksForGroup(ctx context.Context, folder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at`, folder)
	if err != nil {
		return nil, fmt.Errorf("tasks for group %s: %w", folder, err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// AllTasks returns every task (the main workspace's view).
func (s *Store) AllTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("all tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTaskAfterRun persists the outcome of one fire. An empty nextRun on a
// "once" task marks it completed.
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id, nextRun, lastRun, lastResult string) error {
	status := TaskStatusActive
	if nextRun == "" {
		status = TaskStatusCompleted
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?`,
		nullable(nextRun), lastRun, lastResult, TaskStatusActive, status, id)
	if err != nil {
		return fmt.Errorf("update task %s after run: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStatus pauses or resumes a task.
func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelTask removes a task and its run logs atomically.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("cancel task %s: delete logs: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AppendTaskRunLog records one run in the append-only history.
func (s *Store) AppendTaskRunLog(ctx context.Context, l TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, outcome, detail)
		VALUES (?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt, l.DurationMS, l.Outcome, l.Detail)
	if err != nil {
		return fmt.Errorf("append run log for %s: %w", l.TaskID, err)
	}
	return nil
}

// TaskRunLogs returns a task's history, newest first.
func (s *Store) TaskRunLogs(ctx context.Context, taskID string) ([]TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, outcome, COALESCE(detail, '')
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("run logs for %s: %w", taskID, err)
	}
	defer rows.Close()

	var logs []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.RunAt, &l.DurationMS, &l.Outcome, &l.Detail); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
