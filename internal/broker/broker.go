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

// Package broker runs the mailbox broker: the registration listener, the
// dispatch queue, the pool of session workers and the optional status API.
package broker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mbroker/internal/config"
	"mbroker/internal/logger"
	"mbroker/internal/mailbox"
	"mbroker/internal/protocol"
	"mbroker/internal/queue"
	"mbroker/internal/storage"
	"mbroker/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Broker owns every piece of shared broker state for one run
type Broker struct {
	config      *config.Config
	store       storage.Store
	transport   transport.Transport
	directory   *mailbox.Directory
	sessions    *queue.Queue[protocol.Packet]
	listener    *Listener
	workers     []*Worker
	history     *History
	status      *StatusServer
	openTimeout time.Duration
	startedAt   time.Time
	ready       chan struct{}
	logger      zerolog.Logger
	running     bool
	mutex       sync.RWMutex
	cancel      context.CancelFunc
}

// Stats summarizes broker activity
type Stats struct {
	Uptime          string `json:"uptime"`
	Storage         string `json:"storage"`
	Transport       string `json:"transport"`
	Boxes           int    `json:"boxes"`
	QueueLength     int    `json:"queue_length"`
	QueueCapacity   int    `json:"queue_capacity"`
	Workers         int    `json:"workers"`
	BusyWorkers     int    `json:"busy_workers"`
	SessionsHandled int    `json:"sessions_handled"`
	SessionsFailed  int    `json:"sessions_failed"`
	PacketsReceived int64  `json:"packets_received"`
	PacketsRejected int64  `json:"packets_rejected"`
}

// New creates a broker over the given storage and transport
func New(cfg *config.Config, store storage.Store, tr transport.Transport) (*Broker, error) {
	if err := cfg.ValidateForBroker(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	history, err := NewHistory(cfg.History.Size)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		config:      cfg,
		store:       store,
		transport:   tr,
		directory:   mailbox.NewDirectory(store),
		sessions:    queue.New[protocol.Packet](cfg.Broker.MaxSessions),
		history:     history,
		openTimeout: time.Duration(cfg.Transport.OpenRetries) * cfg.Transport.RetryInterval,
		ready:       make(chan struct{}),
		logger:      logger.GetLogger("broker"),
	}

	b.listener = NewListener(cfg.Broker.ControlChannel, tr, b.sessions, b.logger)
	for i := 0; i < cfg.Broker.MaxSessions; i++ {
		b.workers = append(b.workers, newWorker(i, b))
	}
	if cfg.Status.Enabled {
		b.status = NewStatusServer(b, cfg.Status.Address)
	}

	return b, nil
}

// NewFromConfig builds the storage and transport named by cfg and the
// broker on top of them
func NewFromConfig(cfg *config.Config) (*Broker, error) {
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	tr, err := transport.New(cfg.Transport)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	b, err := New(cfg, store, tr)
	if err != nil {
		store.Close()
		return nil, err
	}
	return b, nil
}

// Start runs the broker until SIGINT or SIGTERM
func (b *Broker) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			b.logger.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return b.Run(ctx)
}

// Run serves until ctx is done or a fatal error occurs, then tears down
// the control channel and storage
func (b *Broker) Run(ctx context.Context) error {
	b.mutex.Lock()
	if b.running || !b.startedAt.IsZero() {
		b.mutex.Unlock()
		return fmt.Errorf("broker is already running or has run")
	}
	b.running = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.startedAt = time.Now()
	b.mutex.Unlock()

	control := b.config.Broker.ControlChannel

	b.logger.Info().
		Str("control_channel", control).
		Int("max_sessions", b.config.Broker.MaxSessions).
		Str("storage", b.store.Name()).
		Str("transport", b.transport.Name()).
		Msg("Starting mailbox broker")

	if _, err := b.directory.Restore(); err != nil {
		return b.abort(fmt.Errorf("failed to restore mailboxes: %w", err))
	}

	if err := b.transport.Create(control); err != nil {
		return b.abort(fmt.Errorf("failed to create control channel: %w", err))
	}

	if b.status != nil {
		if err := b.status.Start(); err != nil {
			b.destroyControl()
			return b.abort(fmt.Errorf("failed to start status API: %w", err))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return b.listener.Run(groupCtx)
	})
	for _, w := range b.workers {
		w := w
		group.Go(func() error {
			return w.run(groupCtx, b.sessions)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		b.logger.Info().Msg("Stopping mailbox broker")
		if discarded := b.sessions.Close(); discarded > 0 {
			b.logger.Warn().Int("packets", discarded).Msg("Discarded queued registrations")
		}
		b.directory.Close()
		return nil
	})

	close(b.ready)
	b.logger.Info().Msg("Mailbox broker started successfully")

	err := group.Wait()

	if b.status != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if stopErr := b.status.Stop(stopCtx); stopErr != nil {
			b.logger.Error().Err(stopErr).Msg("Error stopping status API")
		}
		cancel()
	}
	b.destroyControl()
	if closeErr := b.store.Close(); closeErr != nil {
		b.logger.Error().Err(closeErr).Msg("Error closing storage")
	}

	b.mutex.Lock()
	b.running = false
	b.mutex.Unlock()

	if err != nil {
		return err
	}
	b.logger.Info().Msg("Mailbox broker stopped")
	return nil
}

func (b *Broker) abort(err error) error {
	b.mutex.Lock()
	b.running = false
	b.cancel()
	b.mutex.Unlock()
	b.store.Close()
	return err
}

func (b *Broker) destroyControl() {
	if err := b.transport.Destroy(b.config.Broker.ControlChannel); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to destroy control channel")
	}
}

// Stop asks a running broker to shut down
func (b *Broker) Stop() {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.cancel != nil {
		b.cancel()
	}
}

// Ready is closed once the control channel exists and the pool is running
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Directory returns the mailbox directory
func (b *Broker) Directory() *mailbox.Directory {
	return b.directory
}

// History returns the recent session history
func (b *Broker) History() *History {
	return b.history
}

// Status returns the status API server, nil when disabled
func (b *Broker) Status() *StatusServer {
	return b.status
}

// Uptime returns how long the broker has been running
func (b *Broker) Uptime() time.Duration {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// WorkerStats returns a snapshot of every worker
func (b *Broker) WorkerStats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(b.workers))
	for _, w := range b.workers {
		stats = append(stats, w.Stats())
	}
	return stats
}

// Stats returns broker-wide counters
func (b *Broker) Stats() Stats {
	stats := Stats{
		Uptime:          b.Uptime().Round(time.Second).String(),
		Storage:         b.store.Name(),
		Transport:       b.transport.Name(),
		Boxes:           b.directory.Len(),
		QueueLength:     b.sessions.Len(),
		QueueCapacity:   b.sessions.Cap(),
		Workers:         len(b.workers),
		PacketsReceived: b.listener.Received(),
		PacketsRejected: b.listener.Rejected(),
	}

	for _, w := range b.WorkerStats() {
		if w.State == WorkerStateBusy.String() {
			stats.BusyWorkers++
		}
		stats.SessionsHandled += w.SessionsHandled
		stats.SessionsFailed += w.SessionsFailed
	}
	return stats
}
