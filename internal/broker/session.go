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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mbroker/internal/mailbox"
	"mbroker/internal/protocol"
	"mbroker/internal/storage"
	"mbroker/internal/transport"
)

// Answer texts reported to administrative clients
var (
	errBoxExists    = errors.New("box already exists")
	errBoxNotFound  = errors.New("box not found")
	errCreateFailed = errors.New("failed to create box")
	errRemoveFailed = errors.New("failed to remove box")
)

func newSessionID() string {
	return uuid.NewString()
}

// runSession executes one client session to completion. Errors and panics
// stay inside the session; the returned record is also added to history.
func (b *Broker) runSession(ctx context.Context, w *Worker, id string, packet protocol.Packet) (record *SessionRecord) {
	record = &SessionRecord{
		ID:         id,
		Opcode:     packet.Opcode.String(),
		Box:        packet.Registration.BoxName,
		ClientPipe: packet.ClientPipe(),
		WorkerID:   w.id,
		StartedAt:  time.Now(),
	}

	log := w.logger.With().
		Str("session_id", id).
		Str("opcode", record.Opcode).
		Str("client_pipe", record.ClientPipe).
		Logger()
	if record.Box != "" {
		log = log.With().Str("box", record.Box).Logger()
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
			log.Error().Interface("panic", r).Msg("Session panicked")
		}

		record.FinishedAt = time.Now()
		record.Outcome = outcomeOf(err)
		if err != nil {
			record.Error = err.Error()
		}
		b.history.Add(record)

		event := log.Debug()
		if record.Outcome == OutcomeFailed {
			event = log.Warn().Err(err)
		}
		event.Str("outcome", record.Outcome).
			Int("messages", record.Messages).
			Dur("duration", record.Duration()).
			Msg("Session finished")
	}()

	log.Debug().Msg("Session started")

	switch packet.Opcode {
	case protocol.OpRegisterPublisher:
		record.Messages, err = b.publisherSession(ctx, packet.Registration, log)
	case protocol.OpRegisterSubscriber:
		record.Messages, err = b.subscriberSession(ctx, packet.Registration, log)
	case protocol.OpCreateMailbox:
		err = b.createSession(ctx, packet.Registration, log)
	case protocol.OpRemoveMailbox:
		err = b.removeSession(ctx, packet.Registration, log)
	case protocol.OpListMailboxes:
		record.Messages, err = b.listSession(ctx, packet.List, log)
	default:
		err = fmt.Errorf("%w: %s is not a session request", protocol.ErrUnknownOpcode, packet.Opcode)
	}
	return record
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, mailbox.ErrNotFound),
		errors.Is(err, mailbox.ErrAlreadyExists),
		errors.Is(err, mailbox.ErrPublisherTaken):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// publisherSession stores every message read from the client channel until
// the client disconnects or the box is removed
func (b *Broker) publisherSession(ctx context.Context, reg protocol.Registration, log zerolog.Logger) (int, error) {
	box, err := b.directory.TryAcquirePublisher(reg.BoxName)
	if err != nil {
		log.Info().Err(err).Msg("Rejecting publisher")
		b.reject(ctx, reg.ClientPipe, transport.ModeRead, log)
		return 0, err
	}
	defer box.ReleasePublisher()

	writer, err := b.directory.OpenLog(reg.BoxName, storage.ModeAppend)
	if err != nil {
		b.reject(ctx, reg.ClientPipe, transport.ModeRead, log)
		return 0, err
	}
	defer writer.Close()

	channel, err := b.openClient(ctx, reg.ClientPipe, transport.ModeRead)
	if err != nil {
		return 0, err
	}
	defer channel.Close()
	stop := context.AfterFunc(ctx, func() { channel.Close() })
	defer stop()

	log.Info().Msg("Publisher connected")

	count := 0
	for {
		packet, err := protocol.ReadPacket(channel)
		if err != nil {
			if protocol.IsViolation(err) {
				log.Warn().Err(err).Msg("Dropping malformed packet from publisher")
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Info().Int("messages", count).Msg("Publisher disconnected")
				return count, nil
			}
			return count, fmt.Errorf("failed to read from publisher: %w", err)
		}

		if packet.Opcode != protocol.OpPublishMessage {
			log.Warn().Str("received", packet.Opcode.String()).Msg("Ignoring unexpected packet from publisher")
			continue
		}

		if err := box.Append(writer, packet.Message.Text); err != nil {
			if errors.Is(err, mailbox.ErrRemoved) {
				log.Info().Msg("Box removed, closing publisher session")
				return count, nil
			}
			return count, err
		}
		count++
	}
}

// subscriberSession replays the stored log and then forwards new records as
// they are appended, until the box is removed or the client goes away
func (b *Broker) subscriberSession(ctx context.Context, reg protocol.Registration, log zerolog.Logger) (int, error) {
	box, exists := b.directory.Lookup(reg.BoxName)
	if !exists {
		err := fmt.Errorf("%w: %s", mailbox.ErrNotFound, reg.BoxName)
		log.Info().Err(err).Msg("Rejecting subscriber")
		b.reject(ctx, reg.ClientPipe, transport.ModeWrite, log)
		return 0, err
	}

	handle, err := b.directory.OpenLog(reg.BoxName, storage.ModeRead)
	if err != nil {
		b.reject(ctx, reg.ClientPipe, transport.ModeWrite, log)
		return 0, err
	}
	defer handle.Close()

	channel, err := b.openClient(ctx, reg.ClientPipe, transport.ModeWrite)
	if err != nil {
		return 0, err
	}
	defer channel.Close()
	stop := context.AfterFunc(ctx, func() { channel.Close() })
	defer stop()

	log.Info().Msg("Subscriber connected")

	reader := mailbox.NewLogReader(handle)
	count := 0
	size, live := box.Size(), true
	joined := false

	for {
		records, readErr := reader.ReadUpTo(size)
		for _, record := range records {
			if err := protocol.WritePacket(channel, protocol.NewMessage(protocol.OpSendMessage, record)); err != nil {
				log.Info().Err(err).Int("messages", count).Msg("Subscriber disconnected")
				return count, nil
			}
			count++
		}
		if readErr != nil {
			return count, readErr
		}

		// The subscriber counts once its replay has been sent.
		if !joined {
			if err := box.AddSubscriber(); err != nil {
				log.Info().Int("messages", count).Msg("Box removed during replay, ending subscriber session")
				return count, nil
			}
			defer box.ReleaseSubscriber()
			joined = true
			log.Debug().Int("replayed", count).Msg("Subscriber caught up")
		}
		if !live {
			log.Info().Int("messages", count).Msg("Box closed, ending subscriber session")
			return count, nil
		}

		size, live = box.Wait(reader.Offset())
	}
}

func (b *Broker) createSession(ctx context.Context, reg protocol.Registration, log zerolog.Logger) error {
	err := b.directory.Create(reg.BoxName)

	var answer error
	switch {
	case err == nil:
		log.Info().Msg("Box created")
	case errors.Is(err, mailbox.ErrAlreadyExists):
		answer = errBoxExists
	default:
		log.Error().Err(err).Msg("Failed to create box")
		answer = errCreateFailed
	}

	if replyErr := b.reply(ctx, reg.ClientPipe, protocol.NewAnswer(protocol.OpCreateMailboxAnswer, answer)); replyErr != nil {
		return errors.Join(err, replyErr)
	}
	return err
}

func (b *Broker) removeSession(ctx context.Context, reg protocol.Registration, log zerolog.Logger) error {
	err := b.directory.Remove(reg.BoxName)

	var answer error
	switch {
	case err == nil:
		log.Info().Msg("Box removed")
	case errors.Is(err, mailbox.ErrNotFound):
		answer = errBoxNotFound
	default:
		log.Error().Err(err).Msg("Failed to remove box")
		answer = errRemoveFailed
	}

	if replyErr := b.reply(ctx, reg.ClientPipe, protocol.NewAnswer(protocol.OpRemoveMailboxAnswer, answer)); replyErr != nil {
		return errors.Join(err, replyErr)
	}
	return err
}

func (b *Broker) listSession(ctx context.Context, req protocol.ListRequest, log zerolog.Logger) (int, error) {
	infos := b.directory.List()

	packets := make([]protocol.Packet, 0, len(infos)+1)
	for i, info := range infos {
		packets = append(packets, protocol.NewBoxInfo(protocol.BoxInfo{
			Last:        i == len(infos)-1,
			BoxName:     info.Name,
			BoxSize:     info.Size,
			Subscribers: info.Subscribers,
			Publishers:  info.Publishers,
		}))
	}
	if len(packets) == 0 {
		packets = append(packets, protocol.NewEmptyListAnswer())
	}

	log.Debug().Int("boxes", len(infos)).Msg("Listing boxes")
	return len(infos), b.reply(ctx, req.ClientPipe, packets...)
}

// openClient opens a client channel, giving up after the configured open
// budget so a vanished client cannot pin a worker
func (b *Broker) openClient(ctx context.Context, pipe string, mode transport.Mode) (transport.Channel, error) {
	openCtx, cancel := context.WithTimeout(ctx, b.openTimeout)
	defer cancel()

	channel, err := b.transport.Open(openCtx, pipe, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open client channel %s for %s: %w", pipe, mode, err)
	}
	return channel, nil
}

// reply sends a finite answer sequence and closes the client channel
func (b *Broker) reply(ctx context.Context, pipe string, packets ...protocol.Packet) error {
	channel, err := b.openClient(ctx, pipe, transport.ModeWrite)
	if err != nil {
		return err
	}
	defer channel.Close()

	for _, packet := range packets {
		if err := protocol.WritePacket(channel, packet); err != nil {
			return fmt.Errorf("failed to answer client: %w", err)
		}
	}
	return nil
}

// reject opens the client channel and closes it straight away, which the
// client observes as end of stream
func (b *Broker) reject(ctx context.Context, pipe string, mode transport.Mode, log zerolog.Logger) {
	channel, err := b.openClient(ctx, pipe, mode)
	if err != nil {
		log.Debug().Err(err).Msg("Client gone before rejection")
		return
	}
	channel.Close()
}
