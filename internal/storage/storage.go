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

// Package storage holds the append/replay logs backing each mailbox.
//
// A log is addressed by mailbox name and accessed through a file-like
// handle. Reads are sequential from the start of the log and return io.EOF
// at the current end; data appended later becomes readable through the same
// handle, which is what lets a subscriber keep one read handle for its whole
// session and resume from where it stopped.
package storage

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"mbroker/internal/config"
	"mbroker/internal/protocol"
)

// Mode selects how a log is opened
type Mode int

const (
	// ModeCreate creates an empty log, truncating any existing one
	ModeCreate Mode = iota
	// ModeAppend opens an existing log for appending
	ModeAppend
	// ModeRead opens an existing log for sequential reading
	ModeRead
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeAppend:
		return "append"
	case ModeRead:
		return "read"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	ErrNotFound    = errors.New("log not found")
	ErrReadOnly    = errors.New("handle is read-only")
	ErrWriteOnly   = errors.New("handle is write-only")
	ErrClosed      = errors.New("handle is closed")
	ErrInvalidName = errors.New("invalid log name")
	ErrTooManyOpen = errors.New("too many open logs")
)

// Handle is an open log
type Handle interface {
	io.Reader
	io.Writer
	io.Closer
}

// Entry describes an existing log
type Entry struct {
	Name string
	Size uint64
}

// Store is the storage collaborator used by the mailbox directory
type Store interface {
	// Name returns the backend name (e.g., "memory", "file", "sqlite")
	Name() string

	// Open opens the log for name in the given mode
	Open(name string, mode Mode) (Handle, error)

	// Unlink deletes the log for name
	Unlink(name string) error

	// List returns every existing log, used to rebuild the directory at startup
	List() ([]Entry, error)

	// Close releases backend resources
	Close() error
}

// New builds the store selected by the configuration
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return NewMemoryStore(), nil
	case config.StorageFile:
		return NewFileStore(cfg.Dir, cfg.MaxOpenFiles)
	case config.StorageSQLite:
		return NewSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, protocol.ReservedBoxNameChars) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
