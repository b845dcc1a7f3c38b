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
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"mbroker/internal/logger"
)

const pollInterval = 10 * time.Millisecond

// ZMQTransport carries channels over ZeroMQ ipc endpoints. The reading end
// binds a PULL socket at ipc://<name> and writers connect PUSH sockets to it.
// A zero-length frame marks a writer going away and reads as io.EOF.
type ZMQTransport struct {
	opts   Options
	logger zerolog.Logger
}

type zmqChannel struct {
	socket   *zmq4.Socket
	mode     Mode
	name     string
	leftover []byte
	closed   bool
	mutex    sync.Mutex
}

// NewZMQTransport creates a ZeroMQ transport
func NewZMQTransport(opts Options) *ZMQTransport {
	return &ZMQTransport{
		opts:   opts.withDefaults(),
		logger: logger.GetLogger("transport.zmq"),
	}
}

// Name returns the transport name
func (z *ZMQTransport) Name() string {
	return "zmq"
}

// Create removes any stale endpoint file; the reader's bind creates a new one
func (z *ZMQTransport) Create(name string) error {
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete existing endpoint %s: %w", name, err)
	}
	return nil
}

// Destroy removes the endpoint file
func (z *ZMQTransport) Destroy(name string) error {
	if err := os.Remove(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to delete endpoint %s: %w", name, err)
	}
	return nil
}

// Open binds (read) or connects (write) a socket for the named endpoint
func (z *ZMQTransport) Open(ctx context.Context, name string, mode Mode) (Channel, error) {
	endpoint := "ipc://" + name

	if mode == ModeRead {
		socket, err := zmq4.NewSocket(zmq4.PULL)
		if err != nil {
			return nil, fmt.Errorf("failed to create socket: %w", err)
		}
		if err = socket.SetLinger(0); err != nil {
			socket.Close()
			return nil, fmt.Errorf("failed to set linger: %w", err)
		}
		if err = socket.Bind(endpoint); err != nil {
			socket.Close()
			return nil, fmt.Errorf("failed to bind %s: %w", endpoint, err)
		}
		z.logger.Debug().Str("endpoint", endpoint).Msg("Bound channel for reading")
		return &zmqChannel{socket: socket, mode: mode, name: name}, nil
	}

	// The reader binds, so a missing endpoint file means no reader yet.
	err := retry(ctx, z.opts, func(err error) bool { return errors.Is(err, ErrNoReader) }, func() error {
		if _, err := os.Stat(name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				z.logger.Debug().Str("endpoint", endpoint).Msg("Endpoint not bound yet, retrying")
				return fmt.Errorf("%w: %s", ErrNoReader, name)
			}
			return fmt.Errorf("failed to stat endpoint %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	if err = socket.SetLinger(time.Second); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.SetSndtimeo(time.Duration(z.opts.Retries) * z.opts.RetryInterval); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set send timeout: %w", err)
	}
	if err = socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	z.logger.Debug().Str("endpoint", endpoint).Msg("Connected channel for writing")
	return &zmqChannel{socket: socket, mode: mode, name: name}, nil
}

// Read polls the socket so Close from another goroutine can interrupt it
func (c *zmqChannel) Read(p []byte) (int, error) {
	if c.mode != ModeRead {
		return 0, fmt.Errorf("channel opened for writing")
	}

	for {
		c.mutex.Lock()
		if c.closed {
			c.mutex.Unlock()
			return 0, ErrClosed
		}
		if len(c.leftover) > 0 {
			n := copy(p, c.leftover)
			c.leftover = c.leftover[n:]
			c.mutex.Unlock()
			return n, nil
		}

		frame, err := c.socket.RecvBytes(zmq4.DONTWAIT)
		if err == nil {
			c.leftover = frame
		}
		c.mutex.Unlock()

		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				time.Sleep(pollInterval)
				continue
			}
			return 0, fmt.Errorf("failed to receive: %w", err)
		}
		if len(frame) == 0 {
			return 0, io.EOF
		}
	}
}

func (c *zmqChannel) Write(p []byte) (int, error) {
	if c.mode != ModeWrite {
		return 0, fmt.Errorf("channel opened for reading")
	}
	if len(p) == 0 {
		return 0, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if _, err := c.socket.SendBytes(p, 0); err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return 0, io.ErrClosedPipe
		}
		return 0, fmt.Errorf("failed to send: %w", err)
	}
	return len(p), nil
}

// Close sends the end-of-stream frame for writers and closes the socket
func (c *zmqChannel) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true

	if c.mode == ModeWrite {
		// Best effort; the peer may already be gone.
		c.socket.SendBytes([]byte{}, zmq4.DONTWAIT)
	}
	return c.socket.Close()
}
