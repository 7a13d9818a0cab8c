package db

import (
	"database/sql"
	"fmt"
)

const identitySchemaSQL = `
CREATE TABLE IF NOT EXISTS mm_agents (
  agent_id TEXT PRIMARY KEY,           -- e.g., "agt-x9y8z7w6"
  identity TEXT NOT NULL UNIQUE,       -- mention name
  provider TEXT NOT NULL DEFAULT 'human',
  model TEXT,
  constitution_hash TEXT,
  created_at INTEGER NOT NULL,         -- unix ms
  archived_at INTEGER
);

CREATE TABLE IF NOT EXISTS mm_constitutions (
  hash TEXT PRIMARY KEY,               -- blake3 hex of content
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

const channelSchemaSQL = `
CREATE TABLE IF NOT EXISTS mm_channels (
  channel_id TEXT PRIMARY KEY,         -- e.g., "ch-a1b2c3d4"
  name TEXT NOT NULL UNIQUE,
  topic TEXT,
  created_at INTEGER NOT NULL,
  archived_at INTEGER,
  pinned_at INTEGER,
  timer_expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS mm_messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT, -- insertion order, breaks timestamp ties
  message_id TEXT NOT NULL UNIQUE,
  channel_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  FOREIGN KEY (channel_id) REFERENCES mm_channels(channel_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_mm_messages_order ON mm_messages(channel_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_mm_messages_agent ON mm_messages(agent_id);

CREATE TABLE IF NOT EXISTS mm_bookmarks (
  reader_id TEXT NOT NULL,             -- agent id or spawn id
  channel_id TEXT NOT NULL,
  last_seen_message_id TEXT,           -- null: positioned before the first message
  last_seen_at INTEGER NOT NULL DEFAULT 0,
  last_seen_seq INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (reader_id, channel_id),
  FOREIGN KEY (channel_id) REFERENCES mm_channels(channel_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS mm_notes (
  note_id TEXT PRIMARY KEY,
  channel_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  FOREIGN KEY (channel_id) REFERENCES mm_channels(channel_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_mm_notes_channel ON mm_notes(channel_id, created_at);

CREATE TABLE IF NOT EXISTS mm_handoffs (
  handoff_id TEXT PRIMARY KEY,
  channel_id TEXT NOT NULL,
  from_agent TEXT NOT NULL,
  to_agent TEXT NOT NULL,
  summary TEXT NOT NULL,
  message_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at INTEGER NOT NULL,
  closed_at INTEGER,
  FOREIGN KEY (channel_id) REFERENCES mm_channels(channel_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_mm_handoffs_channel ON mm_handoffs(channel_id, status);
`

const spawnSchemaSQL = `
CREATE TABLE IF NOT EXISTS mm_spawns (
  id TEXT PRIMARY KEY,                 -- uuid
  agent_id TEXT NOT NULL,
  channel_id TEXT,
  parent_spawn_id TEXT,
  session_id TEXT,
  constitution_hash TEXT,
  status TEXT NOT NULL,
  pid INTEGER,
  marker TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  ended_at INTEGER,
  FOREIGN KEY (parent_spawn_id) REFERENCES mm_spawns(id)
);

CREATE INDEX IF NOT EXISTS idx_mm_spawns_agent_channel ON mm_spawns(agent_id, channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_mm_spawns_status ON mm_spawns(status);
CREATE INDEX IF NOT EXISTS idx_mm_spawns_parent ON mm_spawns(parent_spawn_id);

CREATE TABLE IF NOT EXISTS mm_spawn_turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  spawn_id TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  consumed_at INTEGER,
  FOREIGN KEY (spawn_id) REFERENCES mm_spawns(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_mm_spawn_turns_pending ON mm_spawn_turns(spawn_id, consumed_at, id);

CREATE TABLE IF NOT EXISTS mm_spawn_sessions (
  spawn_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  path TEXT,
  strategy TEXT NOT NULL,
  linked_at INTEGER NOT NULL,
  FOREIGN KEY (spawn_id) REFERENCES mm_spawns(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS mm_spawn_events (
  spawn_id TEXT NOT NULL,
  idx INTEGER NOT NULL,
  type TEXT NOT NULL,
  ts INTEGER NOT NULL,
  content TEXT NOT NULL,
  PRIMARY KEY (spawn_id, idx),
  FOREIGN KEY (spawn_id) REFERENCES mm_spawns(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS mm_spawn_output (
  spawn_id TEXT PRIMARY KEY,
  stdout TEXT NOT NULL DEFAULT '',
  stderr TEXT NOT NULL DEFAULT '',
  exit_code INTEGER,
  error TEXT,
  updated_at INTEGER NOT NULL,
  FOREIGN KEY (spawn_id) REFERENCES mm_spawns(id) ON DELETE CASCADE
);
`

// liveSpawnIndexSQL enforces at most one live spawn per agent and channel.
const liveSpawnIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_mm_spawns_live
  ON mm_spawns(agent_id, channel_id)
  WHERE channel_id IS NOT NULL AND status IN ('pending', 'running', 'active', 'paused');
`

// columnMigration adds a nullable column to stores created by older builds.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

var identityMigrations = []columnMigration{
	{Table: "mm_agents", Column: "self_description", Def: "TEXT"},
}

var channelMigrations = []columnMigration{
	{Table: "mm_channels", Column: "continues_from", Def: "TEXT"},
}

var spawnMigrations = []columnMigration{
	{Table: "mm_spawns", Column: "resume_from", Def: "TEXT"},
	{Table: "mm_spawns", Column: "work_dir", Def: "TEXT"},
	{Table: "mm_spawns", Column: "indexed_at", Def: "INTEGER"},
	{Table: "mm_spawns", Column: "compacted_from", Def: "TEXT"},
}

// DBTX represents shared methods across sql.DB and sql.Tx.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// InitIdentitySchema creates and migrates the identities store.
func InitIdentitySchema(db *sql.DB) error {
	return initSchema(db, identitySchemaSQL, identityMigrations)
}

// InitChannelSchema creates and migrates the channels store.
func InitChannelSchema(db *sql.DB) error {
	return initSchema(db, channelSchemaSQL, channelMigrations,
		`CREATE INDEX IF NOT EXISTS idx_mm_channels_timer ON mm_channels(timer_expires_at) WHERE timer_expires_at IS NOT NULL;`)
}

// InitSpawnSchema creates and migrates the spawns store.
func InitSpawnSchema(db *sql.DB) error {
	return initSchema(db, spawnSchemaSQL, spawnMigrations, liveSpawnIndexSQL)
}

func initSchema(db *sql.DB, schema string, migrations []columnMigration, post ...string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := initSchemaWith(tx, schema, migrations, post); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func initSchemaWith(db DBTX, schema string, migrations []columnMigration, post []string) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	if err := migrateColumns(db, migrations); err != nil {
		return err
	}
	for _, stmt := range post {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateColumns(db DBTX, migrations []columnMigration) error {
	infos := map[string][]tableColumn{}
	for _, m := range migrations {
		columns, ok := infos[m.Table]
		if !ok {
			var err error
			columns, err = getTableInfo(db, m.Table)
			if err != nil {
				return err
			}
		}
		if hasColumn(columns, m.Column) {
			infos[m.Table] = columns
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.Table, m.Column, err)
		}
		infos[m.Table] = append(columns, tableColumn{Name: m.Column, ColType: m.Def})
	}
	return nil
}

// SchemaExists reports whether a table is present.
func SchemaExists(db *sql.DB, table string) (bool, error) {
	row := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name=?
	`, table)
	var name string
	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return name != "", nil
}

type tableColumn struct {
	Name    string
	ColType string
	NotNull int
	PK      int
}

func getTableInfo(db DBTX, table string) ([]tableColumn, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []tableColumn
	for rows.Next() {
		var col tableColumn
		var cid int
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &col.Name, &col.ColType, &col.NotNull, &defaultValue, &col.PK); err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return columns, nil
}

func hasColumn(columns []tableColumn, name string) bool {
	for _, col := range columns {
		if col.Name == name {
			return true
		}
	}
	return false
}
