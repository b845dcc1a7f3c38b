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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"mbroker/internal/config"
)

// Mode selects the direction a channel is opened in
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

var (
	ErrNotFound = errors.New("channel not found")
	ErrNoReader = errors.New("channel has no reader")
	ErrClosed   = errors.New("channel closed")
)

// Channel is one end of a named point-to-point byte channel. Read returns
// io.EOF once every writer has gone away.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// Transport creates, opens and destroys named channels
type Transport interface {
	// Name returns the transport name (e.g., "fifo", "memory", "zmq")
	Name() string

	// Create makes a fresh channel, deleting any existing one with that name
	Create(name string) error

	// Open opens one end of a channel. Opening for read waits for a writer;
	// opening for write is retried a bounded number of times while the
	// channel or its reader is missing.
	Open(ctx context.Context, name string, mode Mode) (Channel, error)

	// Destroy deletes the channel
	Destroy(name string) error
}

// Options controls open retries
type Options struct {
	Retries       int
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = config.DefaultOpenRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = config.DefaultRetryInterval
	}
	return o
}

// New builds the transport selected by the configuration
func New(cfg config.TransportConfig) (Transport, error) {
	opts := Options{Retries: cfg.OpenRetries, RetryInterval: cfg.RetryInterval}

	switch cfg.Kind {
	case config.TransportFIFO:
		return NewFIFOTransport(opts), nil
	case config.TransportMemory:
		return NewMemoryTransport(opts), nil
	case config.TransportZMQ:
		return NewZMQTransport(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Kind)
	}
}

// retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done
func retry(ctx context.Context, opts Options, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < opts.Retries; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
	return err
}
