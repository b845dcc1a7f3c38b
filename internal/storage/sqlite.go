// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps logs as ordered chunks in a SQLite database. Every Write
// call becomes one chunk row; readers walk the chunks in sequence order.
type SQLiteStore struct {
	db *sql.DB
}

type sqliteHandle struct {
	store   *SQLiteStore
	name    string
	mode    Mode
	lastSeq int64
	pending []byte
	closed  bool
}

// NewSQLiteStore opens (or creates) the database at dsn
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables
func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			name TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			data BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_name_seq ON chunks(name, seq)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Name returns the backend name
func (s *SQLiteStore) Name() string {
	return "sqlite"
}

// Open opens the log for name
func (s *SQLiteStore) Open(name string, mode Mode) (Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	if mode == ModeCreate {
		if err := s.create(name); err != nil {
			return nil, err
		}
		return &sqliteHandle{store: s, name: name, mode: mode}, nil
	}

	exists, err := s.exists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &sqliteHandle{store: s, name: name, mode: mode}, nil
}

func (s *SQLiteStore) create(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO logs (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("failed to create log: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) exists(name string) (bool, error) {
	var found string
	err := s.db.QueryRow(`SELECT name FROM logs WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up log: %w", err)
	}
	return true, nil
}

// Unlink deletes the log and its chunks
func (s *SQLiteStore) Unlink(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM logs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return tx.Commit()
}

// List returns every log with its total size
func (s *SQLiteStore) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT l.name, COALESCE(SUM(length(c.data)), 0)
		FROM logs l LEFT JOIN chunks c ON c.name = l.name
		GROUP BY l.name
		ORDER BY l.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var size int64
		if err := rows.Scan(&entry.Name, &size); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		entry.Size = uint64(size)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (h *sqliteHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	if h.mode != ModeRead {
		return 0, ErrWriteOnly
	}

	if len(h.pending) == 0 {
		var seq int64
		var data []byte
		err := h.store.db.QueryRow(
			`SELECT seq, data FROM chunks WHERE name = ? AND seq > ? ORDER BY seq LIMIT 1`,
			h.name, h.lastSeq,
		).Scan(&seq, &data)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read chunk: %w", err)
		}
		h.lastSeq = seq
		h.pending = data
	}

	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *sqliteHandle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	if h.mode == ModeRead {
		return 0, ErrReadOnly
	}
	if len(p) == 0 {
		return 0, nil
	}

	data := make([]byte, len(p))
	copy(data, p)
	if _, err := h.store.db.Exec(`INSERT INTO chunks (name, data) VALUES (?, ?)`, h.name, data); err != nil {
		return 0, fmt.Errorf("failed to append chunk: %w", err)
	}
	return len(p), nil
}

func (h *sqliteHandle) Close() error {
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	return nil
}
