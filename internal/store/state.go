package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Router cursor keys. last_timestamp is the global ingestion high-watermark;
// agent cursors are per chat and advance only after a successful agent run.
const (
	keyLastTimestamp  = "last_timestamp"
	agentCursorPrefix = "agent_cursor:"
)

func (s *Store) getState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return v, nil
}

// setStateMonotonic writes a cursor value, never letting it move backwards.
func (s *Store) setStateMonotonic(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
		WHERE excluded.value > router_state.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// LastTimestamp returns the global ingestion cursor ("" before any message).
func (s *Store) LastTimestamp(ctx context.Context) (string, error) {
	return s.getState(ctx, keyLastTimestamp)
}

// SetLastTimestamp advances the global ingestion cursor (monotonic).
func (s *Store) SetLastTimestamp(ctx context.Context, ts string) error {
	return s.setStateMonotonic(ctx, keyLastTimestamp, ts)
}

// AgentCursor returns a chat's agent high-watermark ("" before first run).
func (s *Store) AgentCursor(ctx context.Context, chatJID string) (string, error) {
	return s.getState(ctx, agentCursorPrefix+chatJID)
}

// SetAgentCursor advances a chat's agent high-watermark (monotonic).
func (s *Store) SetAgentCursor(ctx context.Context, chatJID, ts string) error {
	return s.setStateMonotonic(ctx, agentCursorPrefix+chatJID, ts)
}
