// Package store is the durable local embedded database: sessions,
// pending permission requests, reply routes, and the default route
// singleton. TransitionPendingState's compare-and-set is the sole
// synchronization primitive that enforces at-most-once state
// transitions across concurrent callers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cmakafui/codelatch/internal/codelatcherr"
	"github.com/cmakafui/codelatch/internal/envelope"
)

// Pending request states.
const (
	StateWaiting  = "waiting"
	StateApproved = "approved"
	StateDenied   = "denied"
	StateTimedOut = "timed_out"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// SessionRecord mirrors the sessions table.
type SessionRecord struct {
	SessionID  string
	Name       string
	CWD        string
	TmuxPane   string
	LastSeenAt int64
}

// PendingRequest mirrors the pending_requests table.
type PendingRequest struct {
	RequestID     string
	SessionID     string
	SessionName   string
	TmuxPane      string
	HookEventName string
	State         string
	ChatMessageID sql.NullInt64
	CreatedAt     int64
	ExpiresAt     int64
}

// ReplyRoute mirrors the reply_routes table.
type ReplyRoute struct {
	ChatMessageID int64
	SessionID     string
	TmuxPane      string
	CreatedAt     int64
}

// DefaultRoute mirrors the default_route singleton row.
type DefaultRoute struct {
	SessionID   string
	SessionName string
	TmuxPane    string
	UpdatedAt   int64
}

// Open connects to the database at dbPath, creating the parent
// directory and bootstrapping the schema if necessary.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "create database directory", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "open database", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "ping database", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "initialize schema", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cwd TEXT NOT NULL,
		tmux_pane TEXT NOT NULL DEFAULT '',
		last_seen_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS pending_requests (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		session_name TEXT NOT NULL,
		tmux_pane TEXT NOT NULL DEFAULT '',
		hook_event_name TEXT NOT NULL,
		state TEXT NOT NULL,
		chat_message_id INTEGER,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_requests(state) WHERE state = 'waiting';

	CREATE TABLE IF NOT EXISTS reply_routes (
		chat_message_id INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		tmux_pane TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS default_route (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		session_id TEXT NOT NULL,
		session_name TEXT NOT NULL,
		tmux_pane TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func tmuxPaneString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// UpsertSession inserts or refreshes the session named by the
// envelope. last_seen_at is stored as text so lexicographic sort
// matches numeric sort for positive unix timestamps.
func (s *Store) UpsertSession(ctx context.Context, e *envelope.HookEnvelope, now int64) error {
	const q = `
	INSERT INTO sessions (session_id, name, cwd, tmux_pane, last_seen_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		name = excluded.name,
		cwd = excluded.cwd,
		tmux_pane = excluded.tmux_pane,
		last_seen_at = excluded.last_seen_at
	WHERE excluded.last_seen_at >= sessions.last_seen_at`
	_, err := s.db.ExecContext(ctx, q, e.SessionID, e.SessionName, e.CWD, tmuxPaneString(e.TmuxPane), fmt.Sprintf("%020d", now))
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.Store, "UpsertSession", err)
	}
	return nil
}

// InsertPendingRequest inserts a new pending request in state
// "waiting". A primary-key collision is returned as-is for the caller
// to classify as a duplicate.
func (s *Store) InsertPendingRequest(ctx context.Context, e *envelope.HookEnvelope, expiresAt, now int64) error {
	const q = `
	INSERT INTO pending_requests
		(request_id, session_id, session_name, tmux_pane, hook_event_name, state, chat_message_id, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, e.RequestID, e.SessionID, e.SessionName, tmuxPaneString(e.TmuxPane), e.HookEventName, StateWaiting, now, expiresAt)
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.Store, "InsertPendingRequest", err)
	}
	return nil
}

// SetPendingMessageId records the chat message id for a pending
// request.
func (s *Store) SetPendingMessageId(ctx context.Context, requestID string, messageID int64) error {
	const q = `UPDATE pending_requests SET chat_message_id = ? WHERE request_id = ?`
	_, err := s.db.ExecContext(ctx, q, messageID, requestID)
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.Store, "SetPendingMessageId", err)
	}
	return nil
}

// TransitionPendingState performs the single-statement compare-and-set
// that enforces I1: the row moves to nextState iff it is currently
// "waiting". Returns whether the row was actually changed.
func (s *Store) TransitionPendingState(ctx context.Context, requestID, nextState string) (bool, error) {
	const q = `UPDATE pending_requests SET state = ? WHERE request_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, q, nextState, requestID, StateWaiting)
	if err != nil {
		return false, codelatcherr.Wrap(codelatcherr.Store, "TransitionPendingState", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, codelatcherr.Wrap(codelatcherr.Store, "TransitionPendingState rows affected", err)
	}
	return n > 0, nil
}

// InsertReplyRoute upserts a reply route. A missing tmux_pane on the
// envelope is a no-op: a reply route with nowhere to inject is
// useless.
func (s *Store) InsertReplyRoute(ctx context.Context, messageID int64, e *envelope.HookEnvelope, now int64) error {
	if e.TmuxPane == nil || *e.TmuxPane == "" {
		return nil
	}
	const q = `
	INSERT INTO reply_routes (chat_message_id, session_id, tmux_pane, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(chat_message_id) DO UPDATE SET
		session_id = excluded.session_id,
		tmux_pane = excluded.tmux_pane,
		created_at = excluded.created_at`
	_, err := s.db.ExecContext(ctx, q, messageID, e.SessionID, *e.TmuxPane, now)
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.Store, "InsertReplyRoute", err)
	}
	return nil
}

// LookupReplyRoute returns the route for a chat message id, or nil if
// none exists.
func (s *Store) LookupReplyRoute(ctx context.Context, messageID int64) (*ReplyRoute, error) {
	const q = `SELECT chat_message_id, session_id, tmux_pane, created_at FROM reply_routes WHERE chat_message_id = ?`
	row := s.db.QueryRowContext(ctx, q, messageID)
	var r ReplyRoute
	err := row.Scan(&r.ChatMessageID, &r.SessionID, &r.TmuxPane, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "LookupReplyRoute", err)
	}
	return &r, nil
}

// ListSessions returns every session ordered by last_seen_at
// descending (most recent first).
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	const q = `SELECT session_id, name, cwd, tmux_pane, last_seen_at FROM sessions ORDER BY last_seen_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "ListSessions", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var lastSeen string
		if err := rows.Scan(&r.SessionID, &r.Name, &r.CWD, &r.TmuxPane, &lastSeen); err != nil {
			return nil, codelatcherr.Wrap(codelatcherr.Store, "ListSessions scan", err)
		}
		r.LastSeenAt = parseLastSeen(lastSeen)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "ListSessions iterate", err)
	}
	return out, nil
}

// GetSession returns the session for sessionID, or nil if not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	const q = `SELECT session_id, name, cwd, tmux_pane, last_seen_at FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, q, sessionID)
	var r SessionRecord
	var lastSeen string
	err := row.Scan(&r.SessionID, &r.Name, &r.CWD, &r.TmuxPane, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "GetSession", err)
	}
	r.LastSeenAt = parseLastSeen(lastSeen)
	return &r, nil
}

// FindSessionByName returns the most recently seen session with the
// given name, or nil if none exists.
func (s *Store) FindSessionByName(ctx context.Context, name string) (*SessionRecord, error) {
	const q = `SELECT session_id, name, cwd, tmux_pane, last_seen_at FROM sessions WHERE name = ? ORDER BY last_seen_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, name)
	var r SessionRecord
	var lastSeen string
	err := row.Scan(&r.SessionID, &r.Name, &r.CWD, &r.TmuxPane, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "FindSessionByName", err)
	}
	r.LastSeenAt = parseLastSeen(lastSeen)
	return &r, nil
}

// SetDefaultRoute upserts the singleton default route row.
func (s *Store) SetDefaultRoute(ctx context.Context, route DefaultRoute, now int64) error {
	const q = `
	INSERT INTO default_route (id, session_id, session_name, tmux_pane, updated_at)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		session_id = excluded.session_id,
		session_name = excluded.session_name,
		tmux_pane = excluded.tmux_pane,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q, route.SessionID, route.SessionName, route.TmuxPane, now)
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.Store, "SetDefaultRoute", err)
	}
	return nil
}

// GetDefaultRoute returns the singleton default route, or nil if
// unset.
func (s *Store) GetDefaultRoute(ctx context.Context) (*DefaultRoute, error) {
	const q = `SELECT session_id, session_name, tmux_pane, updated_at FROM default_route WHERE id = 1`
	row := s.db.QueryRowContext(ctx, q)
	var r DefaultRoute
	err := row.Scan(&r.SessionID, &r.SessionName, &r.TmuxPane, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Store, "GetDefaultRoute", err)
	}
	return &r, nil
}

func parseLastSeen(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
