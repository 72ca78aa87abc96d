package mega

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SessionData is the persisted snapshot of a logged-in session: enough
// to resume without credentials.
type SessionData struct {
	Email      string
	SessionID  string
	UserID     string
	UserName   string
	MasterKey  []byte
	PrivateKey []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Valid reports whether the snapshot carries everything a resume
// needs.
func (d *SessionData) Valid() bool {
	return d != nil && d.SessionID != "" && len(d.MasterKey) == 16
}

// SessionStorage persists session snapshots. Load returns nil without
// error when no session is stored. Implementations also carry a small
// cache for server lookup tables (media codecs).
type SessionStorage interface {
	Save(data *SessionData) error
	Load() (*SessionData, error)
	Delete() error
	Exists() (bool, error)
	CachePut(key, value string) error
	CacheGet(key string) (string, error)
	Close() error
}

const sessionSchemaVersion = 1

const sessionSchema = `
CREATE TABLE IF NOT EXISTS version (
  version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS session (
  id INTEGER PRIMARY KEY,
  email TEXT NOT NULL,
  session_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT,
  master_key BLOB NOT NULL,
  private_key BLOB,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cache (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`

// SQLiteSession stores one session in a {name}.session SQLite file.
// All writes are serialized through a single lock.
type SQLiteSession struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewSQLiteSession opens (creating if needed) the session database for
// sessionName inside basePath. A name already ending in .session is
// used as the literal file name.
func NewSQLiteSession(sessionName, basePath string) (*SQLiteSession, error) {
	name := sessionName
	if !strings.HasSuffix(name, ".session") {
		name += ".session"
	}
	path := name
	if basePath != "" {
		path = filepath.Join(basePath, name)
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ESTORAGE, err)
	}
	// The session store is single-writer by contract.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	var v int
	err = db.QueryRow(`SELECT version FROM version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		_, err = db.Exec(`INSERT INTO version (version) VALUES (?)`, sessionSchemaVersion)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	return &SQLiteSession{db: db, path: path}, nil
}

// Path returns the session file location.
func (s *SQLiteSession) Path() string {
	return s.path
}

func (s *SQLiteSession) Save(data *SessionData) error {
	if !data.Valid() {
		return fmt.Errorf("%w: incomplete session data", EARGS)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	created := data.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session`); err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}
	_, err = tx.Exec(`
INSERT INTO session (email, session_id, user_id, user_name, master_key, private_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		data.Email, data.SessionID, data.UserID, data.UserName,
		data.MasterKey, data.PrivateKey,
		created.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	return nil
}

func (s *SQLiteSession) Load() (*SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
SELECT email, session_id, user_id, user_name, master_key, private_key, created_at, updated_at
FROM session LIMIT 1`)

	var d SessionData
	var userName sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&d.Email, &d.SessionID, &d.UserID, &userName, &d.MasterKey, &d.PrivateKey, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	d.UserName = userName.String
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &d, nil
}

func (s *SQLiteSession) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM session`)
	if err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	return nil
}

func (s *SQLiteSession) Exists() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	return n > 0, nil
}

func (s *SQLiteSession) CachePut(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO cache (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	return nil
}

func (s *SQLiteSession) CacheGet(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM cache WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	return value, nil
}

func (s *SQLiteSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}

// MemorySession keeps the snapshot in process memory. Useful for tests
// and callers that must not touch disk.
type MemorySession struct {
	mu    sync.Mutex
	data  *SessionData
	cache map[string]string
}

func NewMemorySession() *MemorySession {
	return &MemorySession{cache: make(map[string]string)}
}

func (s *MemorySession) Save(data *SessionData) error {
	if !data.Valid() {
		return fmt.Errorf("%w: incomplete session data", EARGS)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := *data
	snapshot.MasterKey = append([]byte(nil), data.MasterKey...)
	snapshot.PrivateKey = append([]byte(nil), data.PrivateKey...)
	snapshot.UpdatedAt = time.Now().UTC()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = snapshot.UpdatedAt
	}
	s.data = &snapshot

	return nil
}

func (s *MemorySession) Load() (*SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, nil
	}
	snapshot := *s.data

	return &snapshot, nil
}

func (s *MemorySession) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil

	return nil
}

func (s *MemorySession) Exists() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data != nil, nil
}

func (s *MemorySession) CachePut(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[key] = value

	return nil
}

func (s *MemorySession) CacheGet(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cache[key], nil
}

func (s *MemorySession) Close() error {
	return nil
}
