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
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mbroker/internal/protocol"
	"mbroker/internal/queue"
	"mbroker/internal/transport"
)

// Listener reads registration packets from the control channel and hands
// them to the worker pool
type Listener struct {
	name      string
	transport transport.Transport
	sessions  *queue.Queue[protocol.Packet]
	received  atomic.Int64
	rejected  atomic.Int64
	logger    zerolog.Logger
}

// NewListener creates a listener for the named control channel
func NewListener(name string, tr transport.Transport, sessions *queue.Queue[protocol.Packet], log zerolog.Logger) *Listener {
	return &Listener{
		name:      name,
		transport: tr,
		sessions:  sessions,
		logger:    log.With().Str("control_channel", name).Logger(),
	}
}

// Run opens the control channel once and reads registrations until ctx is
// done. The listener keeps a writer of its own open on the channel, so the
// read side never sees end of stream between clients.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("Listening for registrations")

	channel, err := l.transport.Open(ctx, l.name, transport.ModeRead)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to open control channel: %w", err)
	}
	defer channel.Close()

	keepalive, err := l.transport.Open(ctx, l.name, transport.ModeWrite)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to hold control channel open: %w", err)
	}
	defer keepalive.Close()

	stop := context.AfterFunc(ctx, func() { channel.Close() })
	defer stop()

	err = l.drain(ctx, channel)
	if ctx.Err() != nil {
		l.logger.Info().Msg("Listener stopped")
		return nil
	}
	return err
}

// drain enqueues packets until ctx is done, the dispatch queue closes or
// the control channel fails
func (l *Listener) drain(ctx context.Context, channel transport.Channel) error {
	for {
		packet, err := protocol.ReadPacket(channel)
		if err != nil {
			switch {
			case protocol.IsViolation(err):
				l.rejected.Add(1)
				l.logger.Warn().Err(err).Msg("Dropping malformed registration")
				continue
			case errors.Is(err, io.ErrUnexpectedEOF):
				l.rejected.Add(1)
				l.logger.Warn().Msg("Dropping truncated registration")
				continue
			case errors.Is(err, io.EOF):
				// Transports that frame messages report each departing
				// writer in band; the channel itself stays open.
				continue
			case ctx.Err() != nil:
				return nil
			}
			return fmt.Errorf("control channel read failed: %w", err)
		}

		if !packet.IsRequest() {
			l.rejected.Add(1)
			l.logger.Warn().Str("opcode", packet.Opcode.String()).Msg("Dropping packet that is not a request")
			continue
		}
		if err := protocol.Validate(packet); err != nil {
			l.rejected.Add(1)
			l.logger.Warn().Err(err).Str("opcode", packet.Opcode.String()).Msg("Dropping invalid registration")
			continue
		}

		if err := l.sessions.Enqueue(ctx, packet); err != nil {
			l.logger.Debug().Err(err).Msg("Dispatch queue no longer accepting packets")
			return nil
		}
		l.received.Add(1)

		l.logger.Debug().
			Str("opcode", packet.Opcode.String()).
			Str("client_pipe", packet.ClientPipe()).
			Int("queued", l.sessions.Len()).
			Msg("Registration queued")
	}
}

// Received returns the number of packets handed to the pool
func (l *Listener) Received() int64 {
	return l.received.Load()
}

// Rejected returns the number of packets dropped as invalid
func (l *Listener) Rejected() int64 {
	return l.rejected.Load()
}
