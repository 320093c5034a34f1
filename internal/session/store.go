package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// openDB is swapped in tests.
var openDB = sql.Open

// Store persists sessions in a local sqlite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if needed) the sessions database at path.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	phase      TEXT NOT NULL,
	facts      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	segments   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate sessions db: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new session starting in the given phase.
func (s *Store) Create(phase string) (*Session, error) {
	now := s.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		Phase:     phase,
		CreatedAt: now,
		UpdatedAt: now,
	}
	facts, err := json.Marshal(sess.Facts)
	if err != nil {
		return nil, fmt.Errorf("marshal facts: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, status, phase, facts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.Phase, string(facts),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get loads a session and its conversation history.
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, status, phase, facts, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	turns, err := s.loadTurns(id)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var facts, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.Status, &sess.Phase, &facts, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(facts), &sess.Facts); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &sess, nil
}

func (s *Store) loadTurns(id string) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT role, segments, created_at FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()
	var turns []Turn
	for rows.Next() {
		var turn Turn
		var segments, createdAt string
		if err := rows.Scan(&turn.Role, &segments, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(segments), &turn.Segments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
		if turn.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("decode turn created_at: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// List returns all sessions, newest first, without conversation history.
func (s *Store) List() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, status, phase, facts, created_at, updated_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
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

// ApplyUpdates loads the session, applies the updates, and saves the result.
func (s *Store) ApplyUpdates(id string, updates *Updates) (*Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	updates.Apply(sess)
	sess.UpdatedAt = s.now().UTC()
	facts, err := json.Marshal(sess.Facts)
	if err != nil {
		return nil, fmt.Errorf("marshal facts: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET status = ?, phase = ?, facts = ?, updated_at = ? WHERE id = ?`,
		sess.Status, sess.Phase, string(facts), sess.UpdatedAt.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return sess, nil
}

// AppendTurn records a conversation turn.
func (s *Store) AppendTurn(id string, turn Turn) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}
	segments, err := json.Marshal(turn.Segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO turns (session_id, role, segments, created_at) VALUES (?, ?, ?, ?)`,
		id, turn.Role, string(segments), turn.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}
