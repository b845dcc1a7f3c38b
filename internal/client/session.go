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

package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"mbroker/internal/protocol"
	"mbroker/internal/transport"
)

// Publisher is an open publishing session
type Publisher struct {
	client  *Client
	pipe    string
	channel transport.Channel
	sent    int
}

// Publish registers as the publisher of box and opens pipe for sending
func (c *Client) Publish(ctx context.Context, pipe, box string) (*Publisher, error) {
	if err := c.transport.Create(pipe); err != nil {
		return nil, fmt.Errorf("failed to create client pipe: %w", err)
	}

	if err := c.register(ctx, protocol.NewRegistration(protocol.OpRegisterPublisher, pipe, box)); err != nil {
		c.transport.Destroy(pipe)
		return nil, err
	}

	channel, err := c.transport.Open(ctx, pipe, transport.ModeWrite)
	if err != nil {
		c.transport.Destroy(pipe)
		if errors.Is(err, transport.ErrNoReader) {
			return nil, fmt.Errorf("%w: %w", ErrSessionClosed, err)
		}
		return nil, fmt.Errorf("failed to open client pipe: %w", err)
	}

	c.logger.Debug().Str("client_pipe", pipe).Str("box", box).Msg("Publisher session open")
	return &Publisher{client: c, pipe: pipe, channel: channel}, nil
}

// Send publishes one message
func (p *Publisher) Send(text string) error {
	if err := protocol.ValidateMessage(text); err != nil {
		return err
	}
	if err := protocol.WritePacket(p.channel, protocol.NewMessage(protocol.OpPublishMessage, text)); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	p.sent++
	return nil
}

// Sent returns the number of messages published
func (p *Publisher) Sent() int {
	return p.sent
}

// Close ends the session and removes the client pipe
func (p *Publisher) Close() error {
	err := p.channel.Close()
	p.client.transport.Destroy(p.pipe)
	return err
}

// Subscribe registers as a subscriber of box and calls deliver for every
// message until the broker ends the session or ctx is done. It returns the
// number of messages delivered.
func (c *Client) Subscribe(ctx context.Context, pipe, box string, deliver func(string) error) (int, error) {
	if err := c.transport.Create(pipe); err != nil {
		return 0, fmt.Errorf("failed to create client pipe: %w", err)
	}
	defer c.transport.Destroy(pipe)

	if err := c.register(ctx, protocol.NewRegistration(protocol.OpRegisterSubscriber, pipe, box)); err != nil {
		return 0, err
	}

	channel, err := c.transport.Open(ctx, pipe, transport.ModeRead)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open client pipe: %w", err)
	}
	defer channel.Close()
	stop := context.AfterFunc(ctx, func() { channel.Close() })
	defer stop()

	received := 0
	for {
		packet, err := protocol.ReadPacket(channel)
		if err != nil {
			if protocol.IsViolation(err) {
				c.logger.Warn().Err(err).Msg("Dropping malformed message")
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return received, nil
			}
			return received, fmt.Errorf("failed to read message: %w", err)
		}
		if packet.Opcode != protocol.OpSendMessage {
			c.logger.Warn().Str("opcode", packet.Opcode.String()).Msg("Ignoring unexpected packet")
			continue
		}

		received++
		if err := deliver(packet.Message.Text); err != nil {
			return received, err
		}
	}
}
