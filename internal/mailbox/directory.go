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

// Package mailbox implements the broker's registry of named mailboxes.
//
// The directory map is guarded by a structural lock taken for insert, delete
// and enumeration. Counters, size and the wait/notify condition of each
// mailbox are guarded by that mailbox's own lock, so unrelated mailboxes never
// contend with each other.
package mailbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"mbroker/internal/logger"
	"mbroker/internal/protocol"
	"mbroker/internal/storage"
)

var (
	ErrNotFound       = errors.New("box not found")
	ErrAlreadyExists  = errors.New("box already exists")
	ErrPublisherTaken = errors.New("too many publishers")
	ErrRemoved        = errors.New("box was removed")
	ErrStorage        = errors.New("storage failure")
	ErrClosed         = errors.New("directory closed")
)

// Info is a point-in-time snapshot of one mailbox
type Info struct {
	Name        string `json:"name"`
	Size        uint64 `json:"size"`
	Publishers  uint64 `json:"publishers"`
	Subscribers uint64 `json:"subscribers"`
}

// Directory maps mailbox names to their state
type Directory struct {
	store  storage.Store
	boxes  map[string]*Mailbox
	closed bool
	mutex  sync.RWMutex
	logger zerolog.Logger
}

// NewDirectory creates an empty directory backed by store
func NewDirectory(store storage.Store) *Directory {
	return &Directory{
		store:  store,
		boxes:  make(map[string]*Mailbox),
		logger: logger.GetLogger("mailbox"),
	}
}

// Restore registers every log already present in storage. Logs whose names
// are not valid box names are skipped.
func (d *Directory) Restore() (int, error) {
	entries, err := d.store.List()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	restored := 0
	for _, entry := range entries {
		if err := protocol.ValidateBoxName(entry.Name); err != nil {
			d.logger.Warn().Str("box", entry.Name).Err(err).Msg("Skipping stored log with invalid name")
			continue
		}
		if _, exists := d.boxes[entry.Name]; exists {
			continue
		}
		box := newMailbox(entry.Name)
		box.size = entry.Size
		d.boxes[entry.Name] = box
		restored++
	}

	d.logger.Info().Int("boxes", restored).Str("backend", d.store.Name()).Msg("Restored mailboxes from storage")
	return restored, nil
}

// Create makes a new empty mailbox and its backing log
func (d *Directory) Create(name string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return ErrClosed
	}
	if _, exists := d.boxes[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	handle, err := d.store.Open(name, storage.ModeCreate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := handle.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	d.boxes[name] = newMailbox(name)
	d.logger.Debug().Str("box", name).Msg("Mailbox created")
	return nil
}

// Remove unlinks the backing log, wakes every waiter and drops the entry.
// The mailbox lock is held across the unlink so no append can land after it.
func (d *Directory) Remove(name string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	box, exists := d.boxes[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	box.mutex.Lock()
	if err := d.store.Unlink(name); err != nil {
		box.mutex.Unlock()
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	box.removed = true
	box.cond.Broadcast()
	box.mutex.Unlock()

	delete(d.boxes, name)
	d.logger.Debug().Str("box", name).Msg("Mailbox removed")
	return nil
}

// Lookup returns the mailbox registered under name
func (d *Directory) Lookup(name string) (*Mailbox, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	box, exists := d.boxes[name]
	return box, exists
}

// TryAcquirePublisher claims the single publisher slot of a mailbox
func (d *Directory) TryAcquirePublisher(name string) (*Mailbox, error) {
	box, exists := d.Lookup(name)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := box.acquirePublisher(); err != nil {
		return nil, err
	}
	return box, nil
}

// List returns a snapshot of every mailbox sorted by name
func (d *Directory) List() []Info {
	d.mutex.RLock()
	boxes := make([]*Mailbox, 0, len(d.boxes))
	for _, box := range d.boxes {
		boxes = append(boxes, box)
	}
	d.mutex.RUnlock()

	infos := make([]Info, 0, len(boxes))
	for _, box := range boxes {
		infos = append(infos, box.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of mailboxes
func (d *Directory) Len() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return len(d.boxes)
}

// OpenLog opens the backing log of a mailbox
func (d *Directory) OpenLog(name string, mode storage.Mode) (storage.Handle, error) {
	handle, err := d.store.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return handle, nil
}

// Close rejects further creates and wakes every waiting subscriber
func (d *Directory) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	for _, box := range d.boxes {
		box.mutex.Lock()
		box.closed = true
		box.cond.Broadcast()
		box.mutex.Unlock()
	}
	d.logger.Debug().Int("boxes", len(d.boxes)).Msg("Directory closed")
}
