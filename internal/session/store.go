// Package session provides repair session, script version, and execution
// persistence using SQLite.
package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status represents the lifecycle state of a repair session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	// StatusError means an infrastructure fault aborted the session
	// (cannot spawn the interpreter, storage failure). Distinct from any
	// script-level outcome.
	StatusError Status = "error"
)

// Outcome is the terminal result of a completed session.
type Outcome string

const (
	// OutcomeFixed means an execution succeeded.
	OutcomeFixed Outcome = "fixed"
	// OutcomeExhausted means the retry budget ran out, or the backend
	// stopped making progress (duplicate candidate).
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeUnrecoverable means there was no evidence to act on
	// (unparseable stderr) or the fix backend failed.
	OutcomeUnrecoverable Outcome = "unrecoverable"
)

// Origin says where a script version came from.
type Origin string

const (
	OriginUploaded  Origin = "uploaded"
	OriginGenerated Origin = "generated"
)

// Session represents a single end-to-end repair attempt for one script.
type Session struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Status     Status    `json:"status"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Iterations int       `json:"iteration_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScriptVersion is one immutable version of the script. Index 0 is the
// uploaded original; every later index is a generated candidate. Versions
// are never updated or deleted once written.
type ScriptVersion struct {
	SessionID string    `json:"session_id"`
	Idx       int       `json:"index"`
	Origin    Origin    `json:"origin"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution archives one execution attempt of a script version, including
// the failure signal extracted from it (empty fields on success).
type Execution struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	VersionIdx int       `json:"version_index"`
	Status     string    `json:"status"` // success | failure | timeout
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMS int64     `json:"duration_ms"`
	FailKind   string    `json:"failure_kind,omitempty"`
	FailMsg    string    `json:"failure_message,omitempty"`
	FailLine   int       `json:"failure_line,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event represents a single event in a session's lifecycle, used for
// real-time progress streaming.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // "status", "execution", "fix", "done", "error"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages session persistence in SQLite. Version writes are
// append-only and committed before the controller proceeds, so the original
// and every intermediate candidate survive a failed repair.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL allows other sessions to read history while one is being written.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			filename    TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			outcome     TEXT NOT NULL DEFAULT '',
			iterations  INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS script_versions (
			session_id TEXT NOT NULL,
			idx        INTEGER NOT NULL,
			origin     TEXT NOT NULL,
			source     TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (session_id, idx),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS executions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			version_idx INTEGER NOT NULL,
			status      TEXT NOT NULL,
			exit_code   INTEGER NOT NULL DEFAULT 0,
			stdout      TEXT NOT NULL DEFAULT '',
			stderr      TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			fail_kind   TEXT NOT NULL DEFAULT '',
			fail_msg    TEXT NOT NULL DEFAULT '',
			fail_line   INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_executions_session_id
			ON executions(session_id);

		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_id
			ON session_events(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Sessions ---

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *Session) error {
	if sess.Status == "" {
		sess.Status = StatusPending
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, filename, status, outcome, iterations, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Filename, sess.Status, sess.Outcome, sess.Iterations, sess.Error,
		sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, filename, status, outcome, iterations, error, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by creation time (newest first).
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, filename, status, outcome, iterations, error, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession updates mutable fields of a session. Versions and
// executions are not touched here; those tables are append-only.
func (s *Store) UpdateSession(sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, outcome = ?, iterations = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Status, sess.Outcome, sess.Iterations, sess.Error, sess.UpdatedAt, sess.ID,
	)
	return err
}

// --- Script versions (append-only) ---

// AddVersion appends a script version. The (session, index) pair is the
// primary key, so overwriting an existing version is a constraint error by
// construction. The insert is durable once this returns, which gives the
// controller its write-before-execute ordering.
func (s *Store) AddVersion(v *ScriptVersion) error {
	_, err := s.db.Exec(
		`INSERT INTO script_versions (session_id, idx, origin, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		v.SessionID, v.Idx, v.Origin, v.Source, v.CreatedAt,
	)
	return err
}

// GetVersion retrieves one script version by session and index.
func (s *Store) GetVersion(sessionID string, idx int) (*ScriptVersion, error) {
	v := &ScriptVersion{}
	err := s.db.QueryRow(
		`SELECT session_id, idx, origin, source, created_at
		 FROM script_versions WHERE session_id = ? AND idx = ?`,
		sessionID, idx,
	).Scan(&v.SessionID, &v.Idx, &v.Origin, &v.Source, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVersions returns all versions for a session in index order.
func (s *Store) ListVersions(sessionID string) ([]*ScriptVersion, error) {
	rows, err := s.db.Query(
		`SELECT session_id, idx, origin, source, created_at
		 FROM script_versions WHERE session_id = ? ORDER BY idx ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*ScriptVersion
	for rows.Next() {
		v := &ScriptVersion{}
		if err := rows.Scan(&v.SessionID, &v.Idx, &v.Origin, &v.Source, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Executions (append-only) ---

// AddExecution archives one execution attempt and returns its ID.
func (s *Store) AddExecution(e *Execution) error {
	result, err := s.db.Exec(
		`INSERT INTO executions (session_id, version_idx, status, exit_code, stdout, stderr,
		                         duration_ms, fail_kind, fail_msg, fail_line, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.VersionIdx, e.Status, e.ExitCode, e.Stdout, e.Stderr,
		e.DurationMS, e.FailKind, e.FailMsg, e.FailLine, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// ListExecutions returns all execution attempts for a session in the order
// they happened.
func (s *Store) ListExecutions(sessionID string) ([]*Execution, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, version_idx, status, exit_code, stdout, stderr,
		        duration_ms, fail_kind, fail_msg, fail_line, created_at
		 FROM executions WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e := &Execution{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.VersionIdx, &e.Status, &e.ExitCode,
			&e.Stdout, &e.Stderr, &e.DurationMS, &e.FailKind, &e.FailMsg, &e.FailLine,
			&e.CreatedAt); err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Events ---

// AddEvent inserts a new event and returns its ID.
func (s *Store) AddEvent(event *Event) error {
	result, err := s.db.Exec(
		`INSERT INTO session_events (session_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.SessionID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a session, optionally after a given event ID.
func (s *Store) GetEvents(sessionID string, afterID int64) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, data, created_at
		 FROM session_events
		 WHERE session_id = ? AND id > ?
		 ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	sess := &Session{}
	err := row.Scan(
		&sess.ID, &sess.Filename, &sess.Status, &sess.Outcome,
		&sess.Iterations, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
