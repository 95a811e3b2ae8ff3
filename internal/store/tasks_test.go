package store

import (
	"context"
	"errors"
	"testing"
)

func seedTask(t *testing.T, s *Store, id, folder, status, nextRun string) {
	t.Helper()
	err := s.CreateTask(context.Background(), ScheduledTask{
		ID:            id,
		GroupFolder:   folder,
		ChatJID:       "chat-" + folder,
		Prompt:        "do the thing",
		ScheduleType:  "interval",
		ScheduleValue: "60000",
		Status:        status,
		NextRun:       nextRun,
	})
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", id, err)
	}
}

func TestDueTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := "2026-01-01T12:00:00.000Z"

	seedTask(t, s, "t1", "dev", TaskStatusActive, "2026-01-01T11:00:00.000Z") // due
	seedTask(t, s, "t2", "dev", TaskStatusActive, "2026-01-01T13:00:00.000Z") // future
	seedTask(t, s, "t3", "dev", TaskStatusPaused, "2026-01-01T11:00:00.000Z") // paused
	seedTask(t, s, "t4", "dev", TaskStatusActive, "")                         // never fires
	seedTask(t, s, "t5", "ops", TaskStatusActive, "2026-01-01T10:00:00.000Z") // due, earlier

	due, err := s.DueTasks(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d tasks, want 2: %+v", len(due), due)
	}
	if due[0].ID != "t5" || due[1].ID != "t1" {
		t.Errorf("order = %s, %s; want t5, t1", due[0].ID, due[1].ID)
	}
	if due[0].ContextMode != ContextModeIsolated {
		t.Errorf("default context mode = %q", due[0].ContextMode)
	}
}

func TestUpdateTaskAfterRun_OnceCompletes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", "dev", TaskStatusActive, "2026-01-01T11:00:00.000Z")

	// Recurring fire: next_run advances, stays active.
	if err := s.UpdateTaskAfterRun(ctx, "t1", "2026-01-01T12:00:00.000Z", "2026-01-01T11:00:01.000Z", "ok"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.TaskByID(ctx, "t1")
	if got.Status != TaskStatusActive || got.NextRun != "2026-01-01T12:00:00.000Z" {
		t.Errorf("after recurring fire: %+v", got)
	}

	// Final fire: empty next_run transitions to completed.
	if err := s.UpdateTaskAfterRun(ctx, "t1", "", "2026-01-01T12:00:01.000Z", "done"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.TaskByID(ctx, "t1")
	if got.Status != TaskStatusCompleted || got.NextRun != "" {
		t.Errorf("after final fire: %+v", got)
	}
	if got.LastResult != "done" {
		t.Errorf("last_result = %q", got.LastResult)
	}
}

func TestSetTaskStatus_PauseResume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", "dev", TaskStatusActive, "2026-01-01T11:00:00.000Z")

	if err := s.SetTaskStatus(ctx, "t1", TaskStatusPaused); err != nil {
		t.Fatal(err)
	}
	due, _ := s.DueTasks(ctx, "2026-01-01T12:00:00.000Z")
	if len(due) != 0 {
		t.Errorf("paused task still due: %+v", due)
	}
	if err := s.SetTaskStatus(ctx, "t1", TaskStatusActive); err != nil {
		t.Fatal(err)
	}
	due, _ = s.DueTasks(ctx, "2026-01-01T12:00:00.000Z")
	if len(due) != 1 {
		t.Errorf("resumed task not due")
	}

	if err := s.SetTaskStatus(ctx, "missing", TaskStatusPaused); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelTask_RemovesLogsAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", "dev", TaskStatusActive, "2026-01-01T11:00:00.000Z")

	for i := 0; i < 3; i++ {
		err := s.AppendTaskRunLog(ctx, TaskRunLog{
			TaskID: "t1", RunAt: Now(), DurationMS: 1200, Outcome: "success",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	logs, _ := s.TaskRunLogs(ctx, "t1")
	if len(logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(logs))
	}

	if err := s.CancelTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TaskByID(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("task survived cancel: %v", err)
	}
	logs, _ = s.TaskRunLogs(ctx, "t1")
	if len(logs) != 0 {
		t.Errorf("logs survived cancel: %+v", logs)
	}

	if err := s.CancelTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second cancel err = %v, want ErrNotFound", err)
	}
}
