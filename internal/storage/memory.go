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
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryStore keeps every log in process memory. Contents are lost when the
// broker exits.
type MemoryStore struct {
	logs  map[string]*memoryLog
	mutex sync.RWMutex
}

type memoryLog struct {
	data  []byte
	mutex sync.RWMutex
}

type memoryHandle struct {
	log    *memoryLog
	mode   Mode
	pos    int
	closed bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*memoryLog)}
}

// Name returns the backend name
func (s *MemoryStore) Name() string {
	return "memory"
}

// Open opens the log for name
func (s *MemoryStore) Open(name string, mode Mode) (Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	if mode == ModeCreate {
		s.mutex.Lock()
		log := &memoryLog{}
		s.logs[name] = log
		s.mutex.Unlock()
		return &memoryHandle{log: log, mode: mode}, nil
	}

	s.mutex.RLock()
	log, exists := s.logs[name]
	s.mutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &memoryHandle{log: log, mode: mode}, nil
}

// Unlink deletes the log for name. Handles already open keep working on the
// detached contents.
func (s *MemoryStore) Unlink(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.logs[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.logs, name)
	return nil
}

// List returns every log sorted by name
func (s *MemoryStore) List() ([]Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries := make([]Entry, 0, len(s.logs))
	for name, log := range s.logs {
		log.mutex.RLock()
		entries = append(entries, Entry{Name: name, Size: uint64(len(log.data))})
		log.mutex.RUnlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Close drops every log
func (s *MemoryStore) Close() error {
	s.mutex.Lock()
	s.logs = make(map[string]*memoryLog)
	s.mutex.Unlock()
	return nil
}

func (h *memoryHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	if h.mode != ModeRead {
		return 0, ErrWriteOnly
	}

	h.log.mutex.RLock()
	defer h.log.mutex.RUnlock()

	if h.pos >= len(h.log.data) {
		return 0, io.EOF
	}
	n := copy(p, h.log.data[h.pos:])
	h.pos += n
	return n, nil
}

func (h *memoryHandle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	if h.mode == ModeRead {
		return 0, ErrReadOnly
	}

	h.log.mutex.Lock()
	h.log.data = append(h.log.data, p...)
	h.log.mutex.Unlock()
	return len(p), nil
}

func (h *memoryHandle) Close() error {
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	return nil
}
