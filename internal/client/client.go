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

// Package client implements the client side of broker sessions: the
// manager requests, publishing and subscribing.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"mbroker/internal/logger"
	"mbroker/internal/protocol"
	"mbroker/internal/transport"
)

// ErrSessionClosed is returned when the broker ends a session, which is
// also how it turns publishers and subscribers away
var ErrSessionClosed = errors.New("session closed by broker")

// AnswerError carries the failure text of a create or remove answer
type AnswerError struct {
	Message string
}

func (e *AnswerError) Error() string {
	return e.Message
}

// Client talks to one broker through its control channel
type Client struct {
	control   string
	transport transport.Transport
	logger    zerolog.Logger
}

// New creates a client for the broker listening on control
func New(control string, tr transport.Transport) *Client {
	return &Client{
		control:   control,
		transport: tr,
		logger:    logger.GetLogger("client"),
	}
}

// register sends one request on the control channel
func (c *Client) register(ctx context.Context, packet protocol.Packet) error {
	channel, err := c.transport.Open(ctx, c.control, transport.ModeWrite)
	if err != nil {
		return fmt.Errorf("failed to open control channel: %w", err)
	}
	defer channel.Close()

	if err := protocol.WritePacket(channel, packet); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	c.logger.Debug().
		Str("opcode", packet.Opcode.String()).
		Str("client_pipe", packet.ClientPipe()).
		Msg("Registration sent")
	return nil
}

// request runs a one-shot administrative exchange: create the client pipe,
// register, then read answers until handle reports it is done
func (c *Client) request(ctx context.Context, packet protocol.Packet, handle func(protocol.Packet) (bool, error)) error {
	pipe := packet.ClientPipe()
	if err := c.transport.Create(pipe); err != nil {
		return fmt.Errorf("failed to create client pipe: %w", err)
	}
	defer c.transport.Destroy(pipe)

	if err := c.register(ctx, packet); err != nil {
		return err
	}

	channel, err := c.transport.Open(ctx, pipe, transport.ModeRead)
	if err != nil {
		return fmt.Errorf("failed to open client pipe: %w", err)
	}
	defer channel.Close()
	stop := context.AfterFunc(ctx, func() { channel.Close() })
	defer stop()

	for {
		answer, err := protocol.ReadPacket(channel)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrSessionClosed
			}
			return fmt.Errorf("failed to read answer: %w", err)
		}
		done, err := handle(answer)
		if err != nil || done {
			return err
		}
	}
}

func (c *Client) answer(ctx context.Context, op protocol.Opcode, pipe, box string) error {
	want, _ := protocol.AnswerFor(op)
	return c.request(ctx, protocol.NewRegistration(op, pipe, box), func(p protocol.Packet) (bool, error) {
		if p.Opcode != want {
			return false, fmt.Errorf("%w: expected %s, got %s", protocol.ErrMalformed, want, p.Opcode)
		}
		if !p.OK() {
			return true, &AnswerError{Message: p.Answer.ErrorMessage}
		}
		return true, nil
	})
}

// CreateBox asks the broker to create box, receiving the answer on pipe
func (c *Client) CreateBox(ctx context.Context, pipe, box string) error {
	return c.answer(ctx, protocol.OpCreateMailbox, pipe, box)
}

// RemoveBox asks the broker to remove box, receiving the answer on pipe
func (c *Client) RemoveBox(ctx context.Context, pipe, box string) error {
	return c.answer(ctx, protocol.OpRemoveMailbox, pipe, box)
}

// ListBoxes returns every box the broker knows, sorted by name
func (c *Client) ListBoxes(ctx context.Context, pipe string) ([]protocol.BoxInfo, error) {
	var boxes []protocol.BoxInfo
	err := c.request(ctx, protocol.NewListRequest(pipe), func(p protocol.Packet) (bool, error) {
		if p.Opcode != protocol.OpListMailboxesAnswer {
			return false, fmt.Errorf("%w: expected %s, got %s", protocol.ErrMalformed, protocol.OpListMailboxesAnswer, p.Opcode)
		}
		if p.Box.BoxName != "" {
			boxes = append(boxes, p.Box)
		}
		return p.Box.Last, nil
	})
	if err != nil {
		return nil, err
	}
	return boxes, nil
}
