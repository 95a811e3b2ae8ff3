package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// taskSnapshot is one row of the tasks.json file the agent can read.
type taskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	Status        string `json:"status"`
	NextRun       string `json:"nextRun,omitempty"`
	LastRun       string `json:"lastRun,omitempty"`
	LastResult    string `json:"lastResult,omitempty"`
}

// groupSnapshot is one row of available_groups.json (main workspace only).
type groupSnapshot struct {
	JID        string `json:"jid"`
	Name       string `json:"name"`
	Registered bool   `json:"registered"`
	Folder     string `json:"folder,omitempty"`
}

// writeSnapshots refreshes the state files inside the group workspace before
// a run: tasks.json scoped to the group (main sees all), and for main the
// full chat inventory in available_groups.json.
func writeSnapshots(ctx context.Context, st Store, groupsDir string, group store.RegisteredGroup) error {
	dir := filepath.Join(groupsDir, group.Folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}

	var tasks []store.ScheduledTask
	var err error
	if group.IsMain {
		tasks, err = st.AllTasks(ctx)
	} else {
		tasks, err = st.TasksForGroup(ctx, group.Folder)
	}
	if err != nil {
		return fmt.Errorf("load tasks for snapshot: %w", err)
	}
	rows := make([]taskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, taskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
			LastRun:       t.LastRun,
			LastResult:    t.LastResult,
		})
	}
	if err := writeJSON(filepath.Join(dir, "tasks.json"), rows); err != nil {
		return err
	}

	if !group.IsMain {
		return nil
	}

	chats, err := st.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats for snapshot: %w", err)
	}
	groups, err := st.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups for snapshot: %w", err)
	}
	registered := make(map[string]string, len(groups))
	for _, g := range groups {
		registered[g.JID] = g.Folder
	}
	gRows := make([]groupSnapshot, 0, len(chats))
	for _, c := range chats {
		folder, ok := registered[c.JID]
		gRows = append(gRows, groupSnapshot{
			JID:        c.JID,
			Name:       c.Name,
			Registered: ok,
			Folder:     folder,
		})
	}
	return writeJSON(filepath.Join(dir, "available_groups.json"), gRows)
}

// writeJSON writes atomically via rename so the agent never reads a torn file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
