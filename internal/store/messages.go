package store

import (
	"context"
	"fmt"
	"strings"
)

// Message is one immutable chat message.
type Message struct {
	ID         string
	ChatJID    string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  string // ISO-8601, string-orderable
	FromMe     bool
}

// StoreMessage inserts a message. Duplicate (id, chat_jid) pairs are ignored
// so redelivery after a crash is harmless.
func (s *Store) StoreMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, chat_jid, sender_id, sender_name, content, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.SenderID, m.SenderName, m.Content, m.Timestamp, boolToInt(m.FromMe))
	if err != nil {
		return fmt.Errorf("store message %s/%s: %w", m.ChatJID, m.ID, err)
	}
	return nil
}

// GetNewMessages returns messages for the given chats strictly newer than
// afterTS, excluding the bot's own outbound echoes (content starting with
// botPrefix), ordered by timestamp. The returned high-watermark covers all
// observed rows, echoes included, so the global cursor keeps advancing.
func (s *Store) GetNewMessages(ctx context.Context, chatJIDs []string, afterTS, botPrefix string) ([]Message, string, error) {
	if len(chatJIDs) == 0 {
		return nil, afterTS, nil
	}

	placeholders := strings.Repeat("?,", len(chatJIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(chatJIDs)+1)
	for _, jid := range chatJIDs {
		args = append(args, jid)
	}
	args = append(args, afterTS)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, chat_jid, COALESCE(sender_id, ''), COALESCE(sender_name, ''),
		       COALESCE(content, ''), timestamp, is_from_me
		FROM messages
		WHERE chat_jid IN (%s) AND timestamp > ?
		ORDER BY timestamp`, placeholders), args...)
	if err != nil {
		return nil, "", fmt.Errorf("get new messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows, afterTS, botPrefix)
}

// GetMessagesSince is the single-chat variant of GetNewMessages.
func (s *Store) GetMessagesSince(ctx context.Context, chatJID, afterTS, botPrefix string) ([]Message, string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, COALESCE(sender_id, ''), COALESCE(sender_name, ''),
		       COALESCE(content, ''), timestamp, is_from_me
		FROM messages
		WHERE chat_jid = ? AND timestamp > ?
		ORDER BY timestamp`, chatJID, afterTS)
	if err != nil {
		return nil, "", fmt.Errorf("get messages since: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows, afterTS, botPrefix)
}

func collectMessages(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}, afterTS, botPrefix string) ([]Message, string, error) {
	var (
		msgs  []Message
		maxTS = afterTS
	)
	for rows.Next() {
		var (
			m      Message
			fromMe int
		)
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &fromMe); err != nil {
			return nil, "", err
		}
		m.FromMe = fromMe != 0
		if m.Timestamp > maxTS {
			maxTS = m.Timestamp
		}
		if botPrefix != "" && strings.HasPrefix(m.Content, botPrefix) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, maxTS, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
