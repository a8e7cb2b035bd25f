// Package journal is the runtime's crash-recovery store. Every mutation
// goes through a single serial writer; reads are concurrent and see a
// point-in-time snapshot. Schema evolution is append-only and timestamps
// are RFC 3339 UTC strings, so journals written by one release remain
// readable by the next.
package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// timeFormat is the on-disk timestamp representation.
const timeFormat = time.RFC3339Nano

// Journal wraps the SQLite database.
type Journal struct {
	db *sql.DB

	// writeMu serializes all mutations: SQLite has a single writer and the
	// kernel's ordering guarantees depend on write serialization anyway.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the journal at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One connection: modernc sqlite serializes internally, and a single
	// conn keeps the in-memory variant coherent across goroutines.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) init() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = FULL`,
		`CREATE TABLE IF NOT EXISTS adapter_state (
			adapter_key TEXT PRIMARY KEY,
			opaque_json TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			principal TEXT NOT NULL,
			role      TEXT NOT NULL,
			summary   TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_principal ON conversation_turns(principal, id)`,
		`CREATE TABLE IF NOT EXISTS working_memory (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			principal         TEXT NOT NULL,
			task_id           TEXT NOT NULL,
			timestamp         TEXT NOT NULL,
			request_summary   TEXT NOT NULL,
			tool_outputs_json TEXT,
			response_summary  TEXT NOT NULL,
			label             TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wm_principal ON working_memory(principal, id)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id         TEXT UNIQUE NOT NULL,
			content    TEXT NOT NULL,
			label      TEXT NOT NULL,
			source     TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			task_id    TEXT
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, content='memories', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS pending_credential_prompts (
			principal       TEXT PRIMARY KEY,
			service         TEXT NOT NULL,
			vault_key       TEXT NOT NULL,
			expected_prefix TEXT,
			created_at      TEXT NOT NULL,
			ttl_seconds     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_message_deletions (
			chat_id    TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id       TEXT PRIMARY KEY,
			template_id   TEXT NOT NULL,
			principal     TEXT NOT NULL,
			trigger_event TEXT,
			data_ceiling  TEXT NOT NULL,
			output_sinks  TEXT,
			trace_id      TEXT,
			state_json    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS completed_steps (
			task_id          TEXT NOT NULL,
			step             INTEGER NOT NULL,
			tool             TEXT NOT NULL,
			action_semantics TEXT NOT NULL,
			result_json      TEXT,
			label            TEXT NOT NULL,
			completed_at     TEXT NOT NULL,
			PRIMARY KEY (task_id, step)
		)`,
		`CREATE TABLE IF NOT EXISTS persona (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
	}
	return nil
}

// write runs fn under the global writer lock.
func (j *Journal) write(fn func(*sql.DB) error) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	return fn(j.db)
}

func now() string { return time.Now().UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetAdapterState stores an adapter's opaque resumption state under its
// journal key (e.g. the Telegram last-update id).
func (j *Journal) SetAdapterState(adapterKey, opaqueJSON string) error {
	return j.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO adapter_state (adapter_key, opaque_json, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(adapter_key) DO UPDATE SET opaque_json = excluded.opaque_json, updated_at = excluded.updated_at`,
			adapterKey, opaqueJSON, now())
		return err
	})
}

// GetAdapterState returns an adapter's stored state, or "" when absent.
func (j *Journal) GetAdapterState(adapterKey string) (string, error) {
	var state string
	err := j.db.QueryRow(`SELECT opaque_json FROM adapter_state WHERE adapter_key = ?`, adapterKey).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return state, err
}

// SetPersona stores one persona key.
func (j *Journal) SetPersona(key, value string) error {
	return j.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO persona (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// Persona returns all persona keys.
func (j *Journal) Persona() (map[string]string, error) {
	rows, err := j.db.Query(`SELECT key, value FROM persona`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	persona := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		persona[k] = v
	}
	return persona, rows.Err()
}
