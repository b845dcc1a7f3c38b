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

package broker

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mbroker/internal/config"
)

// Session outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// SessionRecord describes one finished client session
type SessionRecord struct {
	ID         string    `json:"id"`
	Opcode     string    `json:"opcode"`
	Box        string    `json:"box,omitempty"`
	ClientPipe string    `json:"client_pipe"`
	WorkerID   int       `json:"worker_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Messages   int       `json:"messages"`
	Error      string    `json:"error,omitempty"`
}

// Duration returns how long the session ran
func (r *SessionRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// History keeps the most recent finished sessions
type History struct {
	cache *lru.Cache[string, *SessionRecord]
	size  int
}

// NewHistory creates a history holding at most size sessions
func NewHistory(size int) (*History, error) {
	if size <= 0 {
		size = config.DefaultHistorySize
	}

	cache, err := lru.New[string, *SessionRecord](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create session history: %w", err)
	}

	return &History{cache: cache, size: size}, nil
}

// Add records a finished session, evicting the oldest when full
func (h *History) Add(record *SessionRecord) {
	h.cache.Add(record.ID, record)
}

// Get returns the session with the given id
func (h *History) Get(id string) (*SessionRecord, bool) {
	return h.cache.Peek(id)
}

// Recent returns the remembered sessions, newest first
func (h *History) Recent() []*SessionRecord {
	values := h.cache.Values()
	records := make([]*SessionRecord, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		records = append(records, values[i])
	}
	return records
}

// Len returns the number of remembered sessions
func (h *History) Len() int {
	return h.cache.Len()
}

// Size returns the history capacity
func (h *History) Size() int {
	return h.size
}
