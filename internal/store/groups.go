package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMainExists rejects a second main-session registration.
var ErrMainExists = errors.New("store: a main workspace is already registered")

// Mount is one additional bind mount requested by a group's container config.
type Mount struct {
	HostPath string `json:"host_path"`
	Name     string `json:"name,omitempty"` // mount point under extra/ (default: basename)
	ReadOnly bool   `json:"read_only,omitempty"`
}

// ContainerConfig carries per-group container overrides.
type ContainerConfig struct {
	AdditionalMounts []Mount `json:"additional_mounts,omitempty"`
	Timeout          string  `json:"timeout,omitempty"` // Go duration, overrides the global batch timeout
}

// RegisteredGroup is a chat bound to an agent workspace.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	Trigger         string
	RequiresTrigger bool
	IsMain          bool
	AllowedUsers    []string // nil = everyone; for private chats, the permitted sender ids
	ContainerConfig *ContainerConfig
	AddedAt         string
}

// AllowsUser reports whether senderID may interact with this workspace.
// An empty allow set means everyone.
func (g *RegisteredGroup) AllowsUser(senderID string) bool {
	if len(g.AllowedUsers) == 0 {
		return true
	}
	for _, u := range g.AllowedUsers {
		if u == senderID {
			return true
		}
	}
	return false
}

// RegisterGroup inserts or replaces a registration. Registering a second
// main workspace fails with ErrMainExists; on-disk workspace data is never
// touched here, so deregistration (absent from this API by design) would not
// destroy it either.
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	defer tx.Rollback()

	if g.IsMain {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT jid FROM registered_groups WHERE is_main = 1 AND jid != ?`, g.JID).Scan(&existing)
		if err == nil {
			return ErrMainExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("register group: %w", err)
		}
	}

	var allowed any
	if g.AllowedUsers != nil {
		b, err := json.Marshal(g.AllowedUsers)
		if err != nil {
			return fmt.Errorf("encode allowed_users: %w", err)
		}
		allowed = string(b)
	}
	var containerCfg any
	if g.ContainerConfig != nil {
		b, err := json.Marshal(g.ContainerConfig)
		if err != nil {
			return fmt.Errorf("encode container_config: %w", err)
		}
		containerCfg = string(b)
	}
	if g.AddedAt == "" {
		g.AddedAt = Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registered_groups
			(jid, name, folder, trigger_word, requires_trigger, is_main, allowed_users, container_config, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_word = excluded.trigger_word,
			requires_trigger = excluded.requires_trigger,
			is_main = excluded.is_main,
			allowed_users = excluded.allowed_users,
			container_config = excluded.container_config`,
		g.JID, g.Name, g.Folder, g.Trigger, boolToInt(g.RequiresTrigger), boolToInt(g.IsMain),
		allowed, containerCfg, g.AddedAt)
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.JID, err)
	}
	return tx.Commit()
}

const groupColumns = `jid, COALESCE(name, ''), folder, trigger_word, requires_trigger, is_main,
	allowed_users, container_config, added_at`

func scanGroup(row interface{ Scan(...any) error }) (*RegisteredGroup, error) {
	var (
		g                RegisteredGroup
		requires, isMain int
		allowed, cc      sql.NullString
	)
	if err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requires, &isMain, &allowed, &cc, &g.AddedAt); err != nil {
		return nil, err
	}
	g.RequiresTrigger = requires != 0
	g.IsMain = isMain != 0
	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &g.AllowedUsers); err != nil {
			return nil, fmt.Errorf("decode allowed_users for %s: %w", g.JID, err)
		}
	}
	if cc.Valid && cc.String != "" {
		g.ContainerConfig = &ContainerConfig{}
		if err := json.Unmarshal([]byte(cc.String), g.ContainerConfig); err != nil {
			return nil, fmt.Errorf("decode container_config for %s: %w", g.JID, err)
		}
	}
	return &g, nil
}

// GetGroup looks up a registration by chat JID.
func (s *Store) GetGroup(ctx context.Context, jid string) (*RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM registered_groups WHERE jid = ?`, jid)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", jid, err)
	}
	return g, nil
}

// GroupByFolder looks up a registration by workspace folder.
func (s *Store) GroupByFolder(ctx context.Context, folder string) (*RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM registered_groups WHERE folder = ?`, folder)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group by folder %s: %w", folder, err)
	}
	return g, nil
}

// MainGroup returns the main workspace, or ErrNotFound before election.
func (s *Store) MainGroup(ctx context.Context) (*RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM registered_groups WHERE is_main = 1`)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get main group: %w", err)
	}
	return g, nil
}

// ListGroups returns every registration.
func (s *Store) ListGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM registered_groups ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}
