package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesTwice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Second open must be a no-op migration, including ensureColumns.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

func TestUpsertChat_CoalesceAndMax(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertChat(ctx, "g1", "Family", "2026-01-01T10:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	// Empty name keeps the old one; older timestamp does not regress.
	if err := s.UpsertChat(ctx, "g1", "", "2026-01-01T09:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetChat(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Family" {
		t.Errorf("name = %q, want Family", c.Name)
	}
	if c.LastMessageTime != "2026-01-01T10:00:00.000Z" {
		t.Errorf("last_message_time regressed to %q", c.LastMessageTime)
	}

	// Newer timestamp and new name win.
	if err := s.UpsertChat(ctx, "g1", "Family v2", "2026-01-01T11:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	c, _ = s.GetChat(ctx, "g1")
	if c.Name != "Family v2" || c.LastMessageTime != "2026-01-01T11:00:00.000Z" {
		t.Errorf("got %+v", c)
	}
}

func TestStoreMessage_IdempotentOnCompositeKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := Message{ID: "m1", ChatJID: "g1", SenderID: "u1", Content: "hi", Timestamp: "2026-01-01T10:00:00.000Z"}
	if err := s.StoreMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.Content = "changed"
	if err := s.StoreMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	msgs, _, err := s.GetMessagesSince(ctx, "g1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "hi" {
		t.Errorf("messages are immutable; content = %q", msgs[0].Content)
	}
}

func TestGetNewMessages_FiltersAndHighWatermark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := []Message{
		{ID: "m1", ChatJID: "g1", SenderID: "u1", Content: "old", Timestamp: "2026-01-01T09:00:00.000Z"},
		{ID: "m2", ChatJID: "g1", SenderID: "u1", Content: "hello", Timestamp: "2026-01-01T10:00:00.000Z"},
		{ID: "m3", ChatJID: "g1", SenderID: "bot", Content: "Andy: echo", Timestamp: "2026-01-01T10:30:00.000Z"},
		{ID: "m4", ChatJID: "g2", SenderID: "u2", Content: "other chat", Timestamp: "2026-01-01T10:15:00.000Z"},
		{ID: "m5", ChatJID: "g3", SenderID: "u3", Content: "unwatched", Timestamp: "2026-01-01T12:00:00.000Z"},
	}
	for _, m := range seed {
		if err := s.StoreMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, maxTS, err := s.GetNewMessages(ctx, []string{"g1", "g2"}, "2026-01-01T09:30:00.000Z", "Andy: ")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	// Timestamp order across chats.
	if msgs[0].ID != "m2" || msgs[1].ID != "m4" {
		t.Errorf("order = %s, %s", msgs[0].ID, msgs[1].ID)
	}
	// The bot echo is excluded from the batch but still advances the cursor.
	if maxTS != "2026-01-01T10:30:00.000Z" {
		t.Errorf("maxTS = %q, want the echo's timestamp", maxTS)
	}
}

func TestGetNewMessages_NoChats(t *testing.T) {
	s := openTestStore(t)
	msgs, maxTS, err := s.GetNewMessages(context.Background(), nil, "cursor", "")
	if err != nil || msgs != nil || maxTS != "cursor" {
		t.Errorf("got %v, %q, %v", msgs, maxTS, err)
	}
}

func TestRegisterGroup_MainUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	main := RegisteredGroup{JID: "p1", Name: "Owner", Folder: "main", IsMain: true, AllowedUsers: []string{"u1"}}
	if err := s.RegisterGroup(ctx, main); err != nil {
		t.Fatal(err)
	}
	// Re-registering the same chat as main is fine.
	if err := s.RegisterGroup(ctx, main); err != nil {
		t.Fatalf("idempotent main re-register: %v", err)
	}
	// A second main is rejected.
	err := s.RegisterGroup(ctx, RegisteredGroup{JID: "p2", Folder: "other", IsMain: true})
	if !errors.Is(err, ErrMainExists) {
		t.Fatalf("err = %v, want ErrMainExists", err)
	}

	got, err := s.MainGroup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.JID != "p1" || !got.AllowsUser("u1") || got.AllowsUser("u2") {
		t.Errorf("main = %+v", got)
	}
}

func TestGroupRoundTrip_ContainerConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := RegisteredGroup{
		JID: "g1", Name: "Dev", Folder: "dev", Trigger: "@andy", RequiresTrigger: true,
		ContainerConfig: &ContainerConfig{
			AdditionalMounts: []Mount{{HostPath: "/srv/shared/repo", Name: "repo", ReadOnly: true}},
			Timeout:          "10m",
		},
	}
	if err := s.RegisterGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContainerConfig == nil || got.ContainerConfig.Timeout != "10m" {
		t.Fatalf("container config lost: %+v", got.ContainerConfig)
	}
	if len(got.ContainerConfig.AdditionalMounts) != 1 || !got.ContainerConfig.AdditionalMounts[0].ReadOnly {
		t.Errorf("mounts = %+v", got.ContainerConfig.AdditionalMounts)
	}
	if byFolder, err := s.GroupByFolder(ctx, "dev"); err != nil || byFolder.JID != "g1" {
		t.Errorf("GroupByFolder = %v, %v", byFolder, err)
	}
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if id, _ := s.GetSession(ctx, "dev"); id != "" {
		t.Errorf("fresh session = %q", id)
	}
	if err := s.SetSession(ctx, "dev", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession(ctx, "dev", "sess-2"); err != nil {
		t.Fatal(err)
	}
	if id, _ := s.GetSession(ctx, "dev"); id != "sess-2" {
		t.Errorf("session = %q, want sess-2", id)
	}
	if err := s.ClearSession(ctx, "dev"); err != nil {
		t.Fatal(err)
	}
	if id, _ := s.GetSession(ctx, "dev"); id != "" {
		t.Errorf("cleared session = %q", id)
	}
}

func TestCursors_Monotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetLastTimestamp(ctx, "2026-01-01T10:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	// Attempting to move backwards is a silent no-op.
	if err := s.SetLastTimestamp(ctx, "2026-01-01T09:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	ts, _ := s.LastTimestamp(ctx)
	if ts != "2026-01-01T10:00:00.000Z" {
		t.Errorf("last_timestamp = %q", ts)
	}

	if err := s.SetAgentCursor(ctx, "g1", "2026-01-01T10:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAgentCursor(ctx, "g1", "2026-01-01T08:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	cur, _ := s.AgentCursor(ctx, "g1")
	if cur != "2026-01-01T10:00:00.000Z" {
		t.Errorf("agent cursor = %q", cur)
	}
	// Cursors are per chat.
	if other, _ := s.AgentCursor(ctx, "g2"); other != "" {
		t.Errorf("g2 cursor = %q", other)
	}
}

func TestLastChatRefresh(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if ts, err := s.LastChatRefresh(ctx); err != nil || ts != "" {
		t.Fatalf("fresh refresh = %q, %v", ts, err)
	}
	if err := s.SetLastChatRefresh(ctx, "2026-01-02T00:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	ts, err := s.LastChatRefresh(ctx)
	if err != nil || ts != "2026-01-02T00:00:00.000Z" {
		t.Errorf("refresh = %q, %v", ts, err)
	}

	// The sentinel never shows up in chat listings.
	chats, err := s.ListChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range chats {
		if c.JID == chatRefreshSentinel {
			t.Error("sentinel leaked into ListChats")
		}
	}
}
