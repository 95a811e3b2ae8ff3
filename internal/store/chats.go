package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// chatRefreshSentinel is the reserved chat row recording when platform-wide
// chat discovery last ran.
const chatRefreshSentinel = "__chat_refresh__"

// Chat is a sighted conversation, registered or not.
type Chat struct {
	JID             string
	Name            string
	LastMessageTime string
}

// UpsertChat records a chat sighting. The name keeps the latest non-empty
// value; the activity timestamp only moves forward.
func (s *Store) UpsertChat(ctx context.Context, jid, name, lastMessageTime string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(COALESCE(chats.last_message_time, ''), excluded.last_message_time)`,
		jid, name, lastMessageTime)
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", jid, err)
	}
	return nil
}

// GetChat looks up one chat.
func (s *Store) GetChat(ctx context.Context, jid string) (*Chat, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT jid, COALESCE(name, ''), COALESCE(last_message_time, '') FROM chats WHERE jid = ?`, jid).
		Scan(&c.JID, &c.Name, &c.LastMessageTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", jid, err)
	}
	return &c, nil
}

// ListChats returns all real chats (the refresh sentinel excluded), most
// recently active first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, COALESCE(name, ''), COALESCE(last_message_time, '')
		FROM chats WHERE jid != ?
		ORDER BY last_message_time DESC`, chatRefreshSentinel)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// SetLastChatRefresh stamps the discovery sentinel.
func (s *Store) SetLastChatRefresh(ctx context.Context, ts string) error {
	return s.UpsertChat(ctx, chatRefreshSentinel, "", ts)
}

// LastChatRefresh returns the last discovery stamp ("" when never run).
func (s *Store) LastChatRefresh(ctx context.Context) (string, error) {
	c, err := s.GetChat(ctx, chatRefreshSentinel)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.LastMessageTime, nil
}
