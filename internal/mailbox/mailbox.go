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

package mailbox

import (
	"fmt"
	"io"
	"sync"
)

// RecordTerminator separates records in a mailbox log
const RecordTerminator byte = 0

// Mailbox is one named message log with its admission counters
type Mailbox struct {
	name        string
	size        uint64
	publishers  uint64
	subscribers uint64
	removed     bool
	closed      bool
	mutex       sync.Mutex
	cond        *sync.Cond
}

func newMailbox(name string) *Mailbox {
	box := &Mailbox{name: name}
	box.cond = sync.NewCond(&box.mutex)
	return box
}

// Name returns the mailbox name
func (m *Mailbox) Name() string {
	return m.name
}

// Info returns a snapshot of the mailbox
func (m *Mailbox) Info() Info {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return Info{
		Name:        m.name,
		Size:        m.size,
		Publishers:  m.publishers,
		Subscribers: m.subscribers,
	}
}

// Removed reports whether the mailbox has been removed from the directory
func (m *Mailbox) Removed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.removed
}

func (m *Mailbox) acquirePublisher() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, m.name)
	}
	if m.publishers > 0 {
		return fmt.Errorf("%w: %s", ErrPublisherTaken, m.name)
	}
	m.publishers = 1
	return nil
}

// AddSubscriber counts one more subscriber. It fails once the mailbox has
// been removed.
func (m *Mailbox) AddSubscriber() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, m.name)
	}
	m.subscribers++
	return nil
}

// ReleasePublisher frees the publisher slot
func (m *Mailbox) ReleasePublisher() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.publishers > 0 {
		m.publishers--
	}
}

// ReleaseSubscriber drops one subscriber
func (m *Mailbox) ReleaseSubscriber() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.subscribers > 0 {
		m.subscribers--
	}
}

// Append writes one terminated record to w, the mailbox's open log, and
// wakes every waiting subscriber. The write, the size update and the
// broadcast all happen under the mailbox lock.
func (m *Mailbox) Append(w io.Writer, text string) error {
	record := make([]byte, len(text)+1)
	copy(record, text)
	record[len(text)] = RecordTerminator

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.removed {
		return fmt.Errorf("%w: %s", ErrRemoved, m.name)
	}

	n, err := w.Write(record)
	if n > 0 {
		m.size += uint64(n)
		m.cond.Broadcast()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// Wait blocks until the mailbox size differs from seen, the mailbox is
// removed or the directory is closed. It returns the committed size and
// whether the mailbox is still live.
func (m *Mailbox) Wait(seen uint64) (uint64, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for m.size == seen && !m.removed && !m.closed {
		m.cond.Wait()
	}
	return m.size, !m.removed && !m.closed
}

// Size returns the committed log size
func (m *Mailbox) Size() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.size
}
