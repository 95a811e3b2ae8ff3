package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetSession stores or replaces the agent session handle for a workspace.
func (s *Store) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		groupFolder, sessionID, Now())
	if err != nil {
		return fmt.Errorf("set session for %s: %w", groupFolder, err)
	}
	return nil
}

// GetSession returns the stored session handle ("" when none).
func (s *Store) GetSession(ctx context.Context, groupFolder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session for %s: %w", groupFolder, err)
	}
	return id, nil
}

// ClearSession drops the stored session handle (the /new command).
func (s *Store) ClearSession(ctx context.Context, groupFolder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE group_folder = ?`, groupFolder)
	if err != nil {
		return fmt.Errorf("clear session for %s: %w", groupFolder, err)
	}
	return nil
}
