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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mbroker/internal/protocol"
	"mbroker/internal/queue"
)

// WorkerState represents the state of a session worker
type WorkerState int

const (
	WorkerStateIdle WorkerState = iota
	WorkerStateBusy
	WorkerStateStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateBusy:
		return "busy"
	default:
		return "stopped"
	}
}

// WorkerStats represents worker statistics
type WorkerStats struct {
	ID              int       `json:"id"`
	State           string    `json:"state"`
	CurrentOpcode   string    `json:"current_opcode,omitempty"`
	CurrentSession  string    `json:"current_session,omitempty"`
	SessionsHandled int       `json:"sessions_handled"`
	SessionsFailed  int       `json:"sessions_failed"`
	LastSession     time.Time `json:"last_session,omitempty"`
}

// Worker pulls packets from the dispatch queue and runs one session at a time
type Worker struct {
	id      int
	broker  *Broker
	state   WorkerState
	current protocol.Opcode
	session string
	stats   WorkerStats
	mutex   sync.RWMutex
	logger  zerolog.Logger
}

func newWorker(id int, b *Broker) *Worker {
	return &Worker{
		id:     id,
		broker: b,
		state:  WorkerStateIdle,
		logger: b.logger.With().Int("worker_id", id).Logger(),
	}
}

// run loops until the queue closes or ctx is done. Session failures never
// end the loop.
func (w *Worker) run(ctx context.Context, sessions *queue.Queue[protocol.Packet]) error {
	w.logger.Debug().Msg("Worker started")
	defer w.setState(WorkerStateStopped)

	for {
		packet, err := sessions.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				w.logger.Debug().Msg("Worker stopping")
				return nil
			}
			return err
		}

		id := newSessionID()
		w.begin(packet.Opcode, id)
		record := w.broker.runSession(ctx, w, id, packet)
		w.finish(record)
	}
}

func (w *Worker) begin(op protocol.Opcode, session string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = WorkerStateBusy
	w.current = op
	w.session = session
}

func (w *Worker) finish(record *SessionRecord) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = WorkerStateIdle
	w.current = 0
	w.session = ""
	w.stats.SessionsHandled++
	if record.Outcome == OutcomeFailed {
		w.stats.SessionsFailed++
	}
	w.stats.LastSession = record.FinishedAt
}

func (w *Worker) setState(state WorkerState) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = state
}

// Stats returns a snapshot of the worker statistics
func (w *Worker) Stats() WorkerStats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	stats := w.stats
	stats.ID = w.id
	stats.State = w.state.String()
	if w.state == WorkerStateBusy {
		stats.CurrentOpcode = w.current.String()
		stats.CurrentSession = w.session
	}
	return stats
}
