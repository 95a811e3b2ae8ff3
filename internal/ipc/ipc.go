// Package ipc consumes filesystem records that agent containers drop into
// their workspace IPC directories. Each workspace owns
// <root>/<folder>/messages/ and <root>/<folder>/tasks/; the directory name is
// the writer's identity, since a container can only reach the tree mounted
// into it. The main workspace may act on any registered chat, every other
// workspace only on its own.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/cron"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Poster delivers IPC-originated text to chats. The router implements it.
type Poster interface {
	PostMessage(ctx context.Context, chatJID, text string) error
	PostStatus(ctx context.Context, chatJID, text string) error
}

// SnapshotRefresher rewrites a workspace's task and group snapshot files.
type SnapshotRefresher interface {
	RefreshSnapshots(ctx context.Context, group store.RegisteredGroup) error
}

// Watcher tails the IPC tree. fsnotify events trigger an early sweep; a
// periodic sweep catches anything events missed.
type Watcher struct {
	cfg    *config.Config
	store  *store.Store
	poster Poster
	agents SnapshotRefresher

	interval time.Duration
}

func New(cfg *config.Config, st *store.Store, poster Poster, agents SnapshotRefresher) *Watcher {
	return &Watcher{
		cfg:      cfg,
		store:    st,
		poster:   poster,
		agents:   agents,
		interval: cfg.IPCPollInterval(),
	}
}

// Run processes records until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	root := w.cfg.IPCRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create ipc root: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ipc watcher: %w", err)
	}
	defer fw.Close()

	kick := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-fw.Events:
				if !ok {
					return
				}
				select {
				case kick <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("ipc watch error", "error", err)
			}
		}
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.rewatch(fw, root)
	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-kick:
		case <-ticker.C:
		}
		w.rewatch(fw, root)
		w.Sweep(ctx)
	}
}

// rewatch subscribes any new workspace directories. Watch errors are ignored;
// the periodic sweep covers unwatched paths.
func (w *Watcher) rewatch(fw *fsnotify.Watcher, root string) {
	_ = fw.Add(root)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDir {
			continue
		}
		for _, sub := range []string{messagesDir, tasksDir} {
			_ = fw.Add(filepath.Join(root, e.Name(), sub))
		}
	}
}

const (
	messagesDir = "messages"
	tasksDir    = "tasks"
	errorsDir   = "errors"
)

// Sweep scans the whole tree once and consumes every record found.
func (w *Watcher) Sweep(ctx context.Context) {
	root := w.cfg.IPCRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDir {
			continue
		}
		for _, sub := range []string{messagesDir, tasksDir} {
			w.sweepDir(ctx, e.Name(), filepath.Join(root, e.Name(), sub))
		}
	}
}

func (w *Watcher) sweepDir(ctx context.Context, origin, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		w.consume(ctx, origin, filepath.Join(dir, name))
	}
}

// record is the union of every IPC record shape.
type record struct {
	Type string `json:"type"`

	// message, status
	ChatJID string `json:"chat_jid,omitempty"`
	Text    string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetJID     string `json:"target_jid,omitempty"`

	// pause_task, resume_task, cancel_task
	TaskID string `json:"task_id,omitempty"`

	// register_group
	JID             string                 `json:"jid,omitempty"`
	Name            string                 `json:"name,omitempty"`
	Folder          string                 `json:"folder,omitempty"`
	Trigger         string                 `json:"trigger,omitempty"`
	ContainerConfig *store.ContainerConfig `json:"container_config,omitempty"`
}

// errUnauthorized marks records rejected by the identity check. They are
// consumed and logged, never quarantined: the writer had no business sending
// them and gets no retry.
var errUnauthorized = errors.New("unauthorized")

func (w *Watcher) consume(ctx context.Context, origin, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("ipc read failed", "path", path, "error", err)
		return
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("ipc record malformed", "origin", origin, "path", path, "error", err)
		w.quarantine(origin, path)
		return
	}

	err = w.handle(ctx, origin, rec)
	switch {
	case err == nil:
		if err := os.Remove(path); err != nil {
			slog.Warn("ipc remove failed", "path", path, "error", err)
		}
	case errors.Is(err, errUnauthorized):
		slog.Warn("ipc record rejected", "origin", origin, "type", rec.Type, "error", err)
		if err := os.Remove(path); err != nil {
			slog.Warn("ipc remove failed", "path", path, "error", err)
		}
	default:
		slog.Error("ipc record failed", "origin", origin, "type", rec.Type, "error", err)
		w.quarantine(origin, path)
	}
}

// quarantine moves a bad record to <root>/errors/<origin>-<name> for manual
// inspection.
func (w *Watcher) quarantine(origin, path string) {
	dir := filepath.Join(w.cfg.IPCRoot(), errorsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("ipc quarantine dir", "error", err)
		return
	}
	dest := filepath.Join(dir, origin+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("ipc quarantine failed", "path", path, "error", err)
	}
}

func (w *Watcher) handle(ctx context.Context, origin string, rec record) error {
	writer, err := w.store.GroupByFolder(ctx, origin)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: folder %q has no registration", errUnauthorized, origin)
	}
	if err != nil {
		return fmt.Errorf("resolve writer: %w", err)
	}

	switch rec.Type {
	case "message":
		if err := w.authorizeChat(ctx, writer, rec.ChatJID); err != nil {
			return err
		}
		return w.poster.PostMessage(ctx, rec.ChatJID, rec.Text)
	case "status":
		if err := w.authorizeChat(ctx, writer, rec.ChatJID); err != nil {
			return err
		}
		return w.poster.PostStatus(ctx, rec.ChatJID, rec.Text)
	case "schedule_task":
		return w.scheduleTask(ctx, writer, rec)
	case "pause_task":
		return w.setTaskStatus(ctx, writer, rec.TaskID, store.TaskStatusPaused)
	case "resume_task":
		return w.setTaskStatus(ctx, writer, rec.TaskID, store.TaskStatusActive)
	case "cancel_task":
		task, err := w.authorizeTask(ctx, writer, rec.TaskID)
		if err != nil {
			return err
		}
		return w.store.CancelTask(ctx, task.ID)
	case "refresh_groups":
		if !writer.IsMain {
			return fmt.Errorf("%w: refresh_groups is main-only", errUnauthorized)
		}
		return w.agents.RefreshSnapshots(ctx, *writer)
	case "register_group":
		if !writer.IsMain {
			return fmt.Errorf("%w: register_group is main-only", errUnauthorized)
		}
		return w.registerGroup(ctx, writer, rec)
	default:
		return fmt.Errorf("unknown record type %q", rec.Type)
	}
}

// authorizeChat checks that the writer may address chatJID: main may address
// any registered chat, others only the chat bound to their own folder.
func (w *Watcher) authorizeChat(ctx context.Context, writer *store.RegisteredGroup, chatJID string) error {
	if chatJID == "" {
		return errors.New("record has no chat_jid")
	}
	target, err := w.store.GetGroup(ctx, chatJID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: chat %s is not registered", errUnauthorized, chatJID)
	}
	if err != nil {
		return fmt.Errorf("resolve target chat: %w", err)
	}
	if writer.IsMain || target.Folder == writer.Folder {
		return nil
	}
	return fmt.Errorf("%w: %s may not address %s", errUnauthorized, writer.Folder, chatJID)
}

func (w *Watcher) scheduleTask(ctx context.Context, writer *store.RegisteredGroup, rec record) error {
	targetJID := rec.TargetJID
	if targetJID == "" {
		targetJID = writer.JID
	}
	target, err := w.store.GetGroup(ctx, targetJID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: chat %s is not registered", errUnauthorized, targetJID)
	}
	if err != nil {
		return fmt.Errorf("resolve task target: %w", err)
	}
	if !writer.IsMain && target.Folder != writer.Folder {
		return fmt.Errorf("%w: %s may not schedule for %s", errUnauthorized, writer.Folder, targetJID)
	}

	if rec.Prompt == "" {
		return errors.New("schedule_task has no prompt")
	}
	if err := cron.Validate(rec.ScheduleType, rec.ScheduleValue); err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}
	switch rec.ContextMode {
	case "", store.ContextModeGroup, store.ContextModeIsolated:
	default:
		return fmt.Errorf("schedule_task: unknown context mode %q", rec.ContextMode)
	}
	next, err := cron.NextRun(rec.ScheduleType, rec.ScheduleValue, time.Now(), w.cfg.Location())
	if err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}
	nextRun := store.Now()
	if !next.IsZero() {
		nextRun = bus.FormatTime(next)
	}

	task := store.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   target.Folder,
		ChatJID:       target.JID,
		Prompt:        rec.Prompt,
		ScheduleType:  rec.ScheduleType,
		ScheduleValue: rec.ScheduleValue,
		ContextMode:   rec.ContextMode,
		NextRun:       nextRun,
	}
	if err := w.store.CreateTask(ctx, task); err != nil {
		return err
	}
	slog.Info("ipc scheduled task", "task", task.ID, "folder", task.GroupFolder, "next_run", nextRun)
	return nil
}

func (w *Watcher) setTaskStatus(ctx context.Context, writer *store.RegisteredGroup, taskID, status string) error {
	task, err := w.authorizeTask(ctx, writer, taskID)
	if err != nil {
		return err
	}
	return w.store.SetTaskStatus(ctx, task.ID, status)
}

// authorizeTask resolves a task and checks the writer owns it (main owns all).
func (w *Watcher) authorizeTask(ctx context.Context, writer *store.RegisteredGroup, taskID string) (*store.ScheduledTask, error) {
	if taskID == "" {
		return nil, errors.New("record has no task_id")
	}
	task, err := w.store.TaskByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("resolve task %s: %w", taskID, err)
	}
	if !writer.IsMain && task.GroupFolder != writer.Folder {
		return nil, fmt.Errorf("%w: %s does not own task %s", errUnauthorized, writer.Folder, taskID)
	}
	return task, nil
}

// registerGroup registers a chat on behalf of the main agent and prepares its
// workspace folder.
func (w *Watcher) registerGroup(ctx context.Context, writer *store.RegisteredGroup, rec record) error {
	if rec.JID == "" || rec.Folder == "" {
		return errors.New("register_group needs jid and folder")
	}
	g := store.RegisteredGroup{
		JID:             rec.JID,
		Name:            rec.Name,
		Folder:          rec.Folder,
		Trigger:         rec.Trigger,
		RequiresTrigger: true,
		ContainerConfig: rec.ContainerConfig,
	}
	if err := w.store.RegisterGroup(ctx, g); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(w.cfg.GroupsDir(), g.Folder), 0o755); err != nil {
		return fmt.Errorf("create workspace folder: %w", err)
	}
	// Keep the main agent's group snapshot current.
	if err := w.agents.RefreshSnapshots(ctx, *writer); err != nil {
		slog.Warn("snapshot refresh after register", "error", err)
	}
	slog.Info("ipc registered group", "chat", g.JID, "folder", g.Folder)
	return nil
}
