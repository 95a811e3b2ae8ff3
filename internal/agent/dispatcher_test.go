package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

type fakeStore struct {
	sessions map[string]string
	tasks    []store.ScheduledTask
	chats    []store.Chat
	groups   []store.RegisteredGroup
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]string{}}
}

func (f *fakeStore) GetSession(_ context.Context, folder string) (string, error) {
	return f.sessions[folder], nil
}
func (f *fakeStore) SetSession(_ context.Context, folder, id string) error {
	f.sessions[folder] = id
	return nil
}
func (f *fakeStore) TasksForGroup(_ context.Context, folder string) ([]store.ScheduledTask, error) {
	var out []store.ScheduledTask
	for _, t := range f.tasks {
		if t.GroupFolder == folder {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeStore) AllTasks(_ context.Context) ([]store.ScheduledTask, error) { return f.tasks, nil }
func (f *fakeStore) ListChats(_ context.Context) ([]store.Chat, error)         { return f.chats, nil }
func (f *fakeStore) ListGroups(_ context.Context) ([]store.RegisteredGroup, error) {
	return f.groups, nil
}

// fakeRunner replays scripted stdout/stderr lines and returns runErr.
type fakeRunner struct {
	stdout []string
	stderr []string
	runErr error
	spec   RunSpec
}

func (f *fakeRunner) VerifyRuntime(context.Context) error { return nil }
func (f *fakeRunner) Run(_ context.Context, spec RunSpec) error {
	f.spec = spec
	for _, l := range f.stdout {
		spec.OnStdoutLine(l)
	}
	for _, l := range f.stderr {
		spec.OnStderrLine(l)
	}
	return f.runErr
}

func testDispatcher(t *testing.T, runner ContainerRunner, st Store) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	return New(cfg, st, runner, config.MountPolicy{})
}

func payloadLines(out protocol.AgentOutput) []string {
	data, _ := json.Marshal(out)
	return []string{protocol.OutputStartMarker, string(data), protocol.OutputEndMarker}
}

func TestRunBatch_SuccessPayload(t *testing.T) {
	st := newFakeStore()
	st.sessions["dev"] = "sess-old"
	runner := &fakeRunner{
		stdout: payloadLines(protocol.AgentOutput{
			Status:       protocol.StatusSuccess,
			NewSessionID: "sess-new",
			Result: &protocol.AgentResult{
				OutputType:  protocol.OutputTypeMessage,
				UserMessage: "  done!  ",
			},
		}),
		stderr: []string{"STATUS: reading files", "[agent-runner] booted"},
	}
	d := testDispatcher(t, runner, st)

	var statuses []string
	res, err := d.RunBatch(context.Background(), BatchRequest{
		Group:    store.RegisteredGroup{JID: "g1", Folder: "dev"},
		ChatJID:  "g1",
		Prompt:   "hello",
		OnStatus: func(s string) { statuses = append(statuses, s) },
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if res.Message != "done!" {
		t.Errorf("message = %q", res.Message)
	}
	if st.sessions["dev"] != "sess-new" {
		t.Errorf("session = %q, want sess-new", st.sessions["dev"])
	}
	if len(statuses) != 1 || statuses[0] != "reading files" {
		t.Errorf("statuses = %v", statuses)
	}

	// The old session rode in on stdin.
	var in protocol.AgentInput
	if err := json.Unmarshal(runner.spec.Input, &in); err != nil {
		t.Fatal(err)
	}
	if in.SessionID != "sess-old" || in.Prompt != "hello" || in.GroupFolder != "dev" {
		t.Errorf("input = %+v", in)
	}
	if !strings.HasPrefix(runner.spec.Name, "nanoclaw-") {
		t.Errorf("container name = %q", runner.spec.Name)
	}
}

func TestRunBatch_PayloadSurvivesCrash(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{
		stdout: payloadLines(protocol.AgentOutput{
			Status:       protocol.StatusSuccess,
			NewSessionID: "sess-1",
			Result:       &protocol.AgentResult{OutputType: protocol.OutputTypeMessage, UserMessage: "partial"},
		}),
		runErr: errors.New("container killed"),
	}
	d := testDispatcher(t, runner, st)

	res, err := d.RunBatch(context.Background(), BatchRequest{
		Group: store.RegisteredGroup{JID: "g1", Folder: "dev"},
	})
	if err != nil {
		t.Fatalf("complete payload should win over the crash: %v", err)
	}
	if res.Message != "partial" {
		t.Errorf("message = %q", res.Message)
	}
	if st.sessions["dev"] != "sess-1" {
		t.Error("session not persisted across crash")
	}
}

func TestRunBatch_AgentError(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{
		stdout: payloadLines(protocol.AgentOutput{
			Status:       protocol.StatusError,
			Error:        "model unavailable",
			NewSessionID: "sess-err",
		}),
	}
	d := testDispatcher(t, runner, st)

	_, err := d.RunBatch(context.Background(), BatchRequest{
		Group: store.RegisteredGroup{JID: "g1", Folder: "dev"},
	})
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("err = %v", err)
	}
	// Sessions persist even for failed runs.
	if st.sessions["dev"] != "sess-err" {
		t.Error("session from failed run lost")
	}
}

func TestRunBatch_NoPayload(t *testing.T) {
	d := testDispatcher(t, &fakeRunner{stdout: []string{"just noise"}}, newFakeStore())
	_, err := d.RunBatch(context.Background(), BatchRequest{
		Group: store.RegisteredGroup{JID: "g1", Folder: "dev"},
	})
	if err == nil {
		t.Fatal("missing payload not reported")
	}
}

func TestRunBatch_IsolatedSkipsSessions(t *testing.T) {
	st := newFakeStore()
	st.sessions["dev"] = "sess-old"
	runner := &fakeRunner{
		stdout: payloadLines(protocol.AgentOutput{
			Status:       protocol.StatusSuccess,
			NewSessionID: "sess-task",
			Result:       &protocol.AgentResult{OutputType: protocol.OutputTypeLog, InternalLog: "ran"},
		}),
	}
	d := testDispatcher(t, runner, st)

	res, err := d.RunBatch(context.Background(), BatchRequest{
		Group:           store.RegisteredGroup{JID: "g1", Folder: "dev"},
		Isolated:        true,
		IsScheduledTask: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "" {
		t.Errorf("log output produced a message: %q", res.Message)
	}

	var in protocol.AgentInput
	_ = json.Unmarshal(runner.spec.Input, &in)
	if in.SessionID != "" {
		t.Error("isolated run reused the stored session")
	}
	if !in.IsScheduledTask {
		t.Error("scheduled flag not set")
	}
	if st.sessions["dev"] != "sess-old" {
		t.Error("isolated run overwrote the chat session")
	}
}

func TestBatchTimeout(t *testing.T) {
	d := testDispatcher(t, &fakeRunner{}, newFakeStore())

	if got := d.batchTimeout(store.RegisteredGroup{}); got != 5*time.Minute {
		t.Errorf("default timeout = %v", got)
	}
	g := store.RegisteredGroup{ContainerConfig: &store.ContainerConfig{Timeout: "10m"}}
	if got := d.batchTimeout(g); got != 10*time.Minute {
		t.Errorf("override timeout = %v", got)
	}
	g.ContainerConfig.Timeout = "soon"
	if got := d.batchTimeout(g); got != 5*time.Minute {
		t.Errorf("bad override fell through to %v", got)
	}
}

func TestWriteSnapshots(t *testing.T) {
	st := newFakeStore()
	st.tasks = []store.ScheduledTask{
		{ID: "t1", GroupFolder: "dev", Prompt: "p", Status: store.TaskStatusActive},
		{ID: "t2", GroupFolder: "ops", Prompt: "q", Status: store.TaskStatusActive},
	}
	st.chats = []store.Chat{{JID: "g1", Name: "Dev"}, {JID: "g2", Name: "Other"}}
	st.groups = []store.RegisteredGroup{{JID: "g1", Folder: "dev"}}
	groupsDir := t.TempDir()

	// Non-main: scoped tasks, no group inventory.
	err := writeSnapshots(context.Background(), st, groupsDir, store.RegisteredGroup{JID: "g1", Folder: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	var tasks []taskSnapshot
	readJSON(t, filepath.Join(groupsDir, "dev", "tasks.json"), &tasks)
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("non-main tasks = %+v", tasks)
	}
	if _, err := os.Stat(filepath.Join(groupsDir, "dev", "available_groups.json")); !os.IsNotExist(err) {
		t.Error("non-main group got available_groups.json")
	}

	// Main: all tasks plus the chat inventory with registration flags.
	err = writeSnapshots(context.Background(), st, groupsDir, store.RegisteredGroup{JID: "main", Folder: "main", IsMain: true})
	if err != nil {
		t.Fatal(err)
	}
	readJSON(t, filepath.Join(groupsDir, "main", "tasks.json"), &tasks)
	if len(tasks) != 2 {
		t.Errorf("main tasks = %+v", tasks)
	}
	var groups []groupSnapshot
	readJSON(t, filepath.Join(groupsDir, "main", "available_groups.json"), &groups)
	if len(groups) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	for _, g := range groups {
		if g.JID == "g1" && (!g.Registered || g.Folder != "dev") {
			t.Errorf("g1 = %+v", g)
		}
		if g.JID == "g2" && g.Registered {
			t.Errorf("g2 = %+v", g)
		}
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}
