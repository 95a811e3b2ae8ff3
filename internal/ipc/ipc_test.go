package ipc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

type fakePoster struct {
	messages []string
	statuses []string
}

func (p *fakePoster) PostMessage(ctx context.Context, chatJID, text string) error {
	p.messages = append(p.messages, chatJID+"|"+text)
	return nil
}

func (p *fakePoster) PostStatus(ctx context.Context, chatJID, text string) error {
	p.statuses = append(p.statuses, chatJID+"|"+text)
	return nil
}

type fakeRefresher struct{ calls int }

func (r *fakeRefresher) RefreshSnapshots(ctx context.Context, group store.RegisteredGroup) error {
	r.calls++
	return nil
}

type ipcRig struct {
	watcher   *Watcher
	store     *store.Store
	cfg       *config.Config
	poster    *fakePoster
	refresher *fakeRefresher
}

func newIPCRig(t *testing.T) *ipcRig {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := t.Context()
	mustRegister := func(g store.RegisteredGroup) {
		if err := st.RegisterGroup(ctx, g); err != nil {
			t.Fatalf("register %s: %v", g.JID, err)
		}
	}
	mustRegister(store.RegisteredGroup{
		JID: "main@telegram", Name: "Main", Folder: "main", IsMain: true,
	})
	mustRegister(store.RegisteredGroup{
		JID: "team@telegram", Name: "Team", Folder: "proj", RequiresTrigger: true,
	})

	poster := &fakePoster{}
	refresher := &fakeRefresher{}
	return &ipcRig{
		watcher:   New(cfg, st, poster, refresher),
		store:     st,
		cfg:       cfg,
		poster:    poster,
		refresher: refresher,
	}
}

// drop writes one record file into <folder>/<sub>/ and returns its path.
func (r *ipcRig) drop(t *testing.T, folder, sub, name, body string) string {
	t.Helper()
	dir := filepath.Join(r.cfg.IPCRoot(), folder, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func mustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("%s still exists (err=%v)", path, err)
	}
}

func TestSweep_MainMessagesAnyChat(t *testing.T) {
	rig := newIPCRig(t)
	path := rig.drop(t, "main", "messages", "a.json",
		`{"type":"message","chat_jid":"team@telegram","text":"deploy finished"}`)

	rig.watcher.Sweep(t.Context())

	if len(rig.poster.messages) != 1 || rig.poster.messages[0] != "team@telegram|deploy finished" {
		t.Errorf("messages = %v", rig.poster.messages)
	}
	mustNotExist(t, path)
}

func TestSweep_NonMainLimitedToOwnChat(t *testing.T) {
	rig := newIPCRig(t)
	own := rig.drop(t, "proj", "messages", "a.json",
		`{"type":"message","chat_jid":"team@telegram","text":"ok"}`)
	foreign := rig.drop(t, "proj", "messages", "b.json",
		`{"type":"message","chat_jid":"main@telegram","text":"sneaky"}`)

	rig.watcher.Sweep(t.Context())

	if len(rig.poster.messages) != 1 || rig.poster.messages[0] != "team@telegram|ok" {
		t.Errorf("messages = %v", rig.poster.messages)
	}
	// Both files are consumed; the unauthorized one is simply dropped.
	mustNotExist(t, own)
	mustNotExist(t, foreign)
}

func TestSweep_StatusRecord(t *testing.T) {
	rig := newIPCRig(t)
	rig.drop(t, "proj", "messages", "s.json",
		`{"type":"status","chat_jid":"team@telegram","text":"running tests"}`)

	rig.watcher.Sweep(t.Context())

	if len(rig.poster.statuses) != 1 || rig.poster.statuses[0] != "team@telegram|running tests" {
		t.Errorf("statuses = %v", rig.poster.statuses)
	}
}

func TestSweep_ScheduleTask(t *testing.T) {
	rig := newIPCRig(t)
	rig.drop(t, "proj", "tasks", "t.json",
		`{"type":"schedule_task","prompt":"daily summary","schedule_type":"interval","schedule_value":"1h"}`)

	rig.watcher.Sweep(t.Context())

	tasks, err := rig.store.TasksForGroup(t.Context(), "proj")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v", tasks)
	}
	task := tasks[0]
	if task.Prompt != "daily summary" || task.ChatJID != "team@telegram" {
		t.Errorf("task = %+v", task)
	}
	if task.NextRun == "" {
		t.Error("next_run not set")
	}
	if task.Status != store.TaskStatusActive {
		t.Errorf("status = %q", task.Status)
	}
}

func TestSweep_ScheduleTask_BadContextModeQuarantined(t *testing.T) {
	rig := newIPCRig(t)
	path := rig.drop(t, "proj", "tasks", "t.json",
		`{"type":"schedule_task","prompt":"p","schedule_type":"interval","schedule_value":"1h","context_mode":"grouped"}`)

	rig.watcher.Sweep(t.Context())

	tasks, err := rig.store.AllTasks(t.Context())
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("bad context mode created tasks: %v", tasks)
	}
	mustNotExist(t, path)
	if _, err := os.Stat(filepath.Join(rig.cfg.IPCRoot(), "errors", "proj-t.json")); err != nil {
		t.Errorf("quarantined file: %v", err)
	}
}

func TestSweep_ScheduleTask_ForeignTargetRejected(t *testing.T) {
	rig := newIPCRig(t)
	rig.drop(t, "proj", "tasks", "t.json",
		`{"type":"schedule_task","prompt":"spy","schedule_type":"interval","schedule_value":"1h","target_jid":"main@telegram"}`)

	rig.watcher.Sweep(t.Context())

	tasks, err := rig.store.AllTasks(t.Context())
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("unauthorized schedule created tasks: %v", tasks)
	}
}

func TestSweep_PauseResumeCancel(t *testing.T) {
	rig := newIPCRig(t)
	ctx := t.Context()
	if err := rig.store.CreateTask(ctx, store.ScheduledTask{
		ID: "t1", GroupFolder: "proj", ChatJID: "team@telegram",
		Prompt: "p", ScheduleType: "interval", ScheduleValue: "1h", NextRun: store.Now(),
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	rig.drop(t, "proj", "tasks", "a.json", `{"type":"pause_task","task_id":"t1"}`)
	rig.watcher.Sweep(ctx)
	task, err := rig.store.TaskByID(ctx, "t1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Status != store.TaskStatusPaused {
		t.Errorf("status after pause = %q", task.Status)
	}

	rig.drop(t, "proj", "tasks", "b.json", `{"type":"resume_task","task_id":"t1"}`)
	rig.watcher.Sweep(ctx)
	task, _ = rig.store.TaskByID(ctx, "t1")
	if task.Status != store.TaskStatusActive {
		t.Errorf("status after resume = %q", task.Status)
	}

	// main may cancel anyone's task
	rig.drop(t, "main", "tasks", "c.json", `{"type":"cancel_task","task_id":"t1"}`)
	rig.watcher.Sweep(ctx)
	if _, err := rig.store.TaskByID(ctx, "t1"); err == nil {
		t.Error("task survived cancel")
	}
}

func TestSweep_RegisterGroupFromNonMainIgnored(t *testing.T) {
	rig := newIPCRig(t)
	path := rig.drop(t, "proj", "tasks", "r.json",
		`{"type":"register_group","jid":"new@telegram","name":"New","folder":"new"}`)

	rig.watcher.Sweep(t.Context())

	// Consumed, not acted on.
	mustNotExist(t, path)
	if _, err := rig.store.GetGroup(t.Context(), "new@telegram"); err == nil {
		t.Error("non-main register_group created a registration")
	}
	mustNotExist(t, filepath.Join(rig.cfg.GroupsDir(), "new"))
	if rig.refresher.calls != 0 {
		t.Errorf("refresher called %d times", rig.refresher.calls)
	}
}

func TestSweep_RegisterGroupFromMain(t *testing.T) {
	rig := newIPCRig(t)
	rig.drop(t, "main", "tasks", "r.json",
		`{"type":"register_group","jid":"new@telegram","name":"New Chat","folder":"new","trigger":"@bot"}`)

	rig.watcher.Sweep(t.Context())

	g, err := rig.store.GetGroup(t.Context(), "new@telegram")
	if err != nil {
		t.Fatalf("registration missing: %v", err)
	}
	if g.Folder != "new" || g.Trigger != "@bot" || !g.RequiresTrigger || g.IsMain {
		t.Errorf("group = %+v", g)
	}
	if _, err := os.Stat(filepath.Join(rig.cfg.GroupsDir(), "new")); err != nil {
		t.Errorf("workspace folder: %v", err)
	}
	if rig.refresher.calls != 1 {
		t.Errorf("refresher calls = %d", rig.refresher.calls)
	}
}

func TestSweep_RefreshGroupsMainOnly(t *testing.T) {
	rig := newIPCRig(t)
	rig.drop(t, "proj", "tasks", "a.json", `{"type":"refresh_groups"}`)
	rig.drop(t, "main", "tasks", "b.json", `{"type":"refresh_groups"}`)

	rig.watcher.Sweep(t.Context())

	if rig.refresher.calls != 1 {
		t.Errorf("refresher calls = %d, want 1", rig.refresher.calls)
	}
}

func TestSweep_MalformedQuarantined(t *testing.T) {
	rig := newIPCRig(t)
	path := rig.drop(t, "proj", "messages", "bad.json", `{not json`)

	rig.watcher.Sweep(t.Context())

	mustNotExist(t, path)
	quarantined := filepath.Join(rig.cfg.IPCRoot(), "errors", "proj-bad.json")
	data, err := os.ReadFile(quarantined)
	if err != nil {
		t.Fatalf("quarantined file: %v", err)
	}
	if !strings.Contains(string(data), "not json") {
		t.Errorf("quarantined content = %q", data)
	}
}

func TestSweep_UnknownFolderIgnored(t *testing.T) {
	rig := newIPCRig(t)
	path := rig.drop(t, "stranger", "messages", "a.json",
		`{"type":"message","chat_jid":"team@telegram","text":"hello"}`)

	rig.watcher.Sweep(t.Context())

	mustNotExist(t, path)
	if len(rig.poster.messages) != 0 {
		t.Errorf("messages = %v", rig.poster.messages)
	}
}

func TestSweep_UnknownTypeQuarantined(t *testing.T) {
	rig := newIPCRig(t)
	rig.drop(t, "proj", "tasks", "weird.json", `{"type":"explode"}`)

	rig.watcher.Sweep(t.Context())

	if _, err := os.Stat(filepath.Join(rig.cfg.IPCRoot(), "errors", "proj-weird.json")); err != nil {
		t.Errorf("quarantined file: %v", err)
	}
}
