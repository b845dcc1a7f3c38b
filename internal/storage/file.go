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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const fileExtension = ".box"

// FileStore keeps one append-only file per mailbox under a root directory
type FileStore struct {
	dir     string
	maxOpen int64
	open    atomic.Int64
}

type fileHandle struct {
	file  *os.File
	store *FileStore
	once  sync.Once
}

// NewFileStore creates the root directory if needed
func NewFileStore(dir string, maxOpen int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 2048
	}
	return &FileStore{dir: dir, maxOpen: int64(maxOpen)}, nil
}

// Name returns the backend name
func (s *FileStore) Name() string {
	return "file"
}

// Open opens the file backing name
func (s *FileStore) Open(name string, mode Mode) (Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var flags int
	switch mode {
	case ModeCreate:
		flags = os.O_CREATE | os.O_TRUNC | os.O_WRONLY | os.O_APPEND
	case ModeAppend:
		flags = os.O_WRONLY | os.O_APPEND
	case ModeRead:
		flags = os.O_RDONLY
	default:
		return nil, fmt.Errorf("unsupported mode: %s", mode)
	}

	if s.open.Add(1) > s.maxOpen {
		s.open.Add(-1)
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyOpen, s.maxOpen)
	}

	file, err := os.OpenFile(s.path(name), flags, 0o644)
	if err != nil {
		s.open.Add(-1)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open log %s: %w", name, err)
	}

	return &fileHandle{file: file, store: s}, nil
}

// Unlink removes the file backing name
func (s *FileStore) Unlink(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to remove log %s: %w", name, err)
	}
	return nil
}

// List returns every log file in the root directory
func (s *FileStore) List() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileExtension) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name: strings.TrimSuffix(f.Name(), fileExtension),
			Size: uint64(info.Size()),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Close is a no-op; open handles are owned by their sessions
func (s *FileStore) Close() error {
	return nil
}

// OpenCount returns the number of handles currently open
func (s *FileStore) OpenCount() int {
	return int(s.open.Load())
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+fileExtension)
}

func (h *fileHandle) Read(p []byte) (int, error) {
	return h.file.Read(p)
}

func (h *fileHandle) Write(p []byte) (int, error) {
	return h.file.Write(p)
}

func (h *fileHandle) Close() error {
	err := ErrClosed
	h.once.Do(func() {
		h.store.open.Add(-1)
		err = h.file.Close()
	})
	return err
}
