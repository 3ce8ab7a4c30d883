package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cufee/botto-gatekeeper/verification"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS guild_settings (
	guild_id      TEXT PRIMARY KEY,
	rules_channel TEXT NOT NULL DEFAULT '',
	rules_message TEXT NOT NULL DEFAULT '',
	rules_emoji   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS verification_config (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	timeout_seconds  INTEGER NOT NULL,
	temp_role_id     TEXT NOT NULL DEFAULT '',
	verified_role_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS pending_verifications (
	guild_id   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	PRIMARY KEY (guild_id, user_id)
);
`

// SQLiteStore persists bot state in a single SQLite file.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens the database and creates the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps full-snapshot saves serialized
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// GetGuildSettings returns empty settings for unknown guilds.
func (s *SQLiteStore) GetGuildSettings(ctx context.Context, gid string) (GuildSettings, error) {
	gs := GuildSettings{ID: gid}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT rules_channel, rules_message, rules_emoji FROM guild_settings WHERE guild_id = ?`, gid,
	).Scan(&gs.RulesChannel, &gs.RulesMessage, &gs.RulesEmoji)
	if errors.Is(err, sql.ErrNoRows) {
		return gs, nil
	}
	if err != nil {
		return gs, fmt.Errorf("get guild settings: %w", err)
	}
	return gs, nil
}

func (s *SQLiteStore) UpdateGuildSettings(ctx context.Context, gs GuildSettings) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO guild_settings (guild_id, rules_channel, rules_message, rules_emoji)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET
		   rules_channel = excluded.rules_channel,
		   rules_message = excluded.rules_message,
		   rules_emoji = excluded.rules_emoji`,
		gs.ID, gs.RulesChannel, gs.RulesMessage, gs.RulesEmoji,
	)
	if err != nil {
		return fmt.Errorf("update guild settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadVerificationState(ctx context.Context) (verification.State, error) {
	state := verification.State{Pending: make(map[verification.Key]verification.Pending)}

	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT timeout_seconds, temp_role_id, verified_role_id FROM verification_config WHERE id = 1`,
	).Scan(&state.Config.TimeoutSeconds, &state.Config.TempRoleID, &state.Config.VerifiedRoleID)
	if errors.Is(err, sql.ErrNoRows) {
		return state, verification.ErrStateNotFound
	}
	if err != nil {
		return state, fmt.Errorf("load verification config: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT guild_id, user_id, started_at FROM pending_verifications`)
	if err != nil {
		return state, fmt.Errorf("load pending verifications: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p         verification.Pending
			startedAt int64
		)
		if err := rows.Scan(&p.GuildID, &p.UserID, &startedAt); err != nil {
			return state, fmt.Errorf("scan pending verification: %w", err)
		}
		p.StartTime = fromMillis(startedAt)
		state.Pending[p.Key()] = p
	}
	return state, rows.Err()
}

// SaveVerificationState replaces the config row and the whole pending table in one transaction.
func (s *SQLiteStore) SaveVerificationState(ctx context.Context, state verification.State) (err error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO verification_config (id, timeout_seconds, temp_role_id, verified_role_id)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   timeout_seconds = excluded.timeout_seconds,
		   temp_role_id = excluded.temp_role_id,
		   verified_role_id = excluded.verified_role_id`,
		state.Config.TimeoutSeconds, state.Config.TempRoleID, state.Config.VerifiedRoleID,
	); err != nil {
		return fmt.Errorf("save verification config: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM pending_verifications`); err != nil {
		return fmt.Errorf("clear pending verifications: %w", err)
	}
	for _, p := range state.Pending {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO pending_verifications (guild_id, user_id, started_at) VALUES (?, ?, ?)`,
			p.GuildID, p.UserID, toMillis(p.StartTime),
		); err != nil {
			return fmt.Errorf("save pending verification: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
