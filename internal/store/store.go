// Package store provides the hub's durable state backed by an embedded
// SQLite database. It owns the database lifecycle and exposes the state
// operations the hub handlers need.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string: never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"humble/internal/acl"
	"humble/internal/mirror"
)

var migrations = []string{
	// v1: settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2: channel tree
	`CREATE TABLE IF NOT EXISTS channels (
		id          INTEGER PRIMARY KEY,
		parent_id   INTEGER NOT NULL DEFAULT 0,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		position    INTEGER NOT NULL DEFAULT 0,
		max_users   INTEGER NOT NULL DEFAULT 0,
		inherit_acl INTEGER NOT NULL DEFAULT 1
	)`,
	// v3: ACL entries, ordered per channel
	`CREATE TABLE IF NOT EXISTS acl_entries (
		channel_id INTEGER NOT NULL,
		idx        INTEGER NOT NULL,
		apply_here INTEGER NOT NULL DEFAULT 1,
		apply_subs INTEGER NOT NULL DEFAULT 1,
		user_id    INTEGER NOT NULL DEFAULT -1,
		grp        TEXT NOT NULL DEFAULT '',
		allow_mask INTEGER NOT NULL DEFAULT 0,
		deny_mask  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (channel_id, idx)
	)`,
	// v4: channel groups and their member deltas
	`CREATE TABLE IF NOT EXISTS channel_groups (
		channel_id  INTEGER NOT NULL,
		name        TEXT NOT NULL,
		inherit     INTEGER NOT NULL DEFAULT 1,
		inheritable INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (channel_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		channel_id INTEGER NOT NULL,
		group_name TEXT NOT NULL,
		user_id    INTEGER NOT NULL,
		is_remove  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (channel_id, group_name, user_id, is_remove)
	)`,
	// v5: registered users
	`CREATE TABLE IF NOT EXISTS users (
		user_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT NOT NULL UNIQUE,
		pw_hash        BLOB,
		pw_salt        BLOB,
		kdf_iterations INTEGER NOT NULL DEFAULT 0,
		cert_hash      TEXT NOT NULL DEFAULT '',
		email          TEXT NOT NULL DEFAULT '',
		texture_hash   BLOB,
		comment_hash   BLOB,
		last_active    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v6: ban list
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		address    BLOB,
		mask       INTEGER NOT NULL DEFAULT 128,
		name       TEXT NOT NULL DEFAULT '',
		cert_hash  TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		start      INTEGER NOT NULL DEFAULT (unixepoch()),
		duration_s INTEGER NOT NULL DEFAULT 0
	)`,
	// v7: per-user last channel for rememberChannel
	`CREATE TABLE IF NOT EXISTS channel_memory (
		user_id    INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v8: blob metadata; content lives in the blob store
	`CREATE TABLE IF NOT EXISTS blobs (
		hash       TEXT PRIMARY KEY,
		size       INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v9: lookup indexes
	`CREATE INDEX IF NOT EXISTS idx_channels_parent ON channels(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_users_name ON users(name)`,
	// v10: cluster-wide group memberships, comma separated
	`ALTER TABLE users ADD COLUMN groups TEXT NOT NULL DEFAULT ''`,
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
// walMode enables the WAL journal for concurrent readers.
func New(path string, walMode bool) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if walMode {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			slog.Warn("store: enable WAL", "err", err)
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: set busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// GetSetting returns the value stored under key; false when absent.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// SaveChannel upserts a channel row. Temporary channels are never passed
// here; they live only in memory on the hub.
func (s *Store) SaveChannel(ch mirror.Channel) error {
	_, err := s.db.Exec(
		`INSERT INTO channels(id, parent_id, name, description, position, max_users, inherit_acl)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			description = excluded.description,
			position = excluded.position,
			max_users = excluded.max_users,
			inherit_acl = excluded.inherit_acl`,
		ch.ID, ch.Parent, ch.Name, ch.Description, ch.Position, ch.MaxUsers,
		boolInt(ch.InheritACL),
	)
	return err
}

// DeleteChannel removes a channel row and its ACLs and groups. Descendant
// rows are the caller's responsibility (the hub walks the subtree).
func (s *Store) DeleteChannel(id uint32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM channels WHERE id = ?`,
		`DELETE FROM acl_entries WHERE channel_id = ?`,
		`DELETE FROM channel_groups WHERE channel_id = ?`,
		`DELETE FROM group_members WHERE channel_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetChannels loads every persisted channel, root first then ascending id.
func (s *Store) GetChannels() ([]mirror.Channel, error) {
	rows, err := s.db.Query(
		`SELECT id, parent_id, name, description, position, max_users, inherit_acl
		 FROM channels ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mirror.Channel
	for rows.Next() {
		var ch mirror.Channel
		var inherit int
		if err := rows.Scan(&ch.ID, &ch.Parent, &ch.Name, &ch.Description,
			&ch.Position, &ch.MaxUsers, &inherit); err != nil {
			return nil, err
		}
		ch.InheritACL = inherit != 0
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SetChannelACL replaces a channel's rule set and group definitions in one
// transaction.
func (s *Store) SetChannelACL(a *acl.ChannelACL) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM acl_entries WHERE channel_id = ?`,
		`DELETE FROM channel_groups WHERE channel_id = ?`,
		`DELETE FROM group_members WHERE channel_id = ?`,
	} {
		if _, err := tx.Exec(q, a.ChannelID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`UPDATE channels SET inherit_acl = ? WHERE id = ?`,
		boolInt(a.InheritACL), a.ChannelID,
	); err != nil {
		return err
	}

	for i, r := range a.Rules {
		if _, err := tx.Exec(
			`INSERT INTO acl_entries(channel_id, idx, apply_here, apply_subs, user_id, grp, allow_mask, deny_mask)
			 VALUES(?,?,?,?,?,?,?,?)`,
			a.ChannelID, i, boolInt(r.ApplyHere), boolInt(r.ApplySubs),
			r.UserID, r.Group, uint32(r.Allow), uint32(r.Deny),
		); err != nil {
			return err
		}
	}
	for _, g := range a.Groups {
		if _, err := tx.Exec(
			`INSERT INTO channel_groups(channel_id, name, inherit, inheritable) VALUES(?,?,?,?)`,
			a.ChannelID, g.Name, boolInt(g.Inherit), boolInt(g.Inheritable),
		); err != nil {
			return err
		}
		for _, id := range g.Add {
			if _, err := tx.Exec(
				`INSERT INTO group_members(channel_id, group_name, user_id, is_remove) VALUES(?,?,?,0)`,
				a.ChannelID, g.Name, id,
			); err != nil {
				return err
			}
		}
		for _, id := range g.Remove {
			if _, err := tx.Exec(
				`INSERT INTO group_members(channel_id, group_name, user_id, is_remove) VALUES(?,?,?,1)`,
				a.ChannelID, g.Name, id,
			); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GetChannelACL loads a channel's rule set. A channel with no stored rows
// yields an empty inheriting set.
func (s *Store) GetChannelACL(channelID uint32) (*acl.ChannelACL, error) {
	a := acl.NewChannelACL(channelID)

	var inherit int
	err := s.db.QueryRow(`SELECT inherit_acl FROM channels WHERE id = ?`, channelID).Scan(&inherit)
	if err == nil {
		a.InheritACL = inherit != 0
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT apply_here, apply_subs, user_id, grp, allow_mask, deny_mask
		 FROM acl_entries WHERE channel_id = ? ORDER BY idx ASC`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r acl.Rule
		var here, subs int
		var allow, deny uint32
		if err := rows.Scan(&here, &subs, &r.UserID, &r.Group, &allow, &deny); err != nil {
			return nil, err
		}
		r.ApplyHere = here != 0
		r.ApplySubs = subs != 0
		r.Allow = acl.Permission(allow)
		r.Deny = acl.Permission(deny)
		a.Rules = append(a.Rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	grows, err := s.db.Query(
		`SELECT name, inherit, inheritable FROM channel_groups WHERE channel_id = ?`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer grows.Close()
	for grows.Next() {
		g := &acl.Group{}
		var inh, inhable int
		if err := grows.Scan(&g.Name, &inh, &inhable); err != nil {
			return nil, err
		}
		g.Inherit = inh != 0
		g.Inheritable = inhable != 0
		a.Groups[g.Name] = g
	}
	if err := grows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.Query(
		`SELECT group_name, user_id, is_remove FROM group_members WHERE channel_id = ?`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var name string
		var uid int32
		var isRemove int
		if err := mrows.Scan(&name, &uid, &isRemove); err != nil {
			return nil, err
		}
		g, ok := a.Groups[name]
		if !ok {
			continue
		}
		if isRemove != 0 {
			g.Remove = append(g.Remove, uid)
		} else {
			g.Add = append(g.Add, uid)
		}
	}
	return a, mrows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Backup copies the database to destPath via VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

// Optimize refreshes SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// RememberChannel records the channel a registered user was last in.
func (s *Store) RememberChannel(userID int32, channelID uint32) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_memory(user_id, channel_id, updated_at) VALUES(?,?,unixepoch())
		 ON CONFLICT(user_id) DO UPDATE SET channel_id = excluded.channel_id, updated_at = excluded.updated_at`,
		userID, channelID,
	)
	return err
}

// LastChannel returns the remembered channel for a user. maxAge bounds how
// stale the memory may be; zero means no limit.
func (s *Store) LastChannel(userID int32, maxAge time.Duration) (uint32, bool, error) {
	var channelID uint32
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT channel_id, updated_at FROM channel_memory WHERE user_id = ?`, userID,
	).Scan(&channelID, &updatedAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if maxAge > 0 && time.Since(time.Unix(updatedAt, 0)) > maxAge {
		return 0, false, nil
	}
	return channelID, true, nil
}

// InsertBlobMeta records a stored blob; duplicate hashes are ignored.
func (s *Store) InsertBlobMeta(hash string, size int64) error {
	_, err := s.db.Exec(
		`INSERT INTO blobs(hash, size) VALUES(?,?) ON CONFLICT(hash) DO NOTHING`,
		hash, size,
	)
	return err
}

// BlobSize returns the recorded size of a blob; false when unknown.
func (s *Store) BlobSize(hash string) (int64, bool, error) {
	var size int64
	err := s.db.QueryRow(`SELECT size FROM blobs WHERE hash = ?`, hash).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return size, true, nil
}
