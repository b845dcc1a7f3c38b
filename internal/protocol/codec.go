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

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Packet layout, little-endian, strings NUL-padded to capacity+1:
//
//	registration: client_pipe[257] box_name[33]
//	answer:       return_code int32, error_message[1025]
//	list:         client_pipe[257]
//	mailbox:      last u8, box_name[33], box_size u64, n_subscribers u64, n_publishers u64
//	message:      message[1025]
const (
	pipeField    = PipeNameSize + 1
	boxField     = BoxNameSize + 1
	messageField = MessageSize + 1

	// PayloadSize is the size of the largest payload variant (answer)
	PayloadSize = 4 + messageField
	// PacketSize is the encoded size of every packet
	PacketSize = 1 + PayloadSize
)

// Encode serializes a packet into exactly PacketSize bytes
func Encode(p Packet) ([]byte, error) {
	buf := make([]byte, PacketSize)
	buf[0] = byte(p.Opcode)
	payload := buf[1:]

	switch p.Opcode {
	case OpRegisterPublisher, OpRegisterSubscriber, OpCreateMailbox, OpRemoveMailbox:
		if err := putString(payload[0:pipeField], p.Registration.ClientPipe, "client_pipe"); err != nil {
			return nil, err
		}
		if err := putString(payload[pipeField:pipeField+boxField], p.Registration.BoxName, "box_name"); err != nil {
			return nil, err
		}
	case OpCreateMailboxAnswer, OpRemoveMailboxAnswer:
		binary.LittleEndian.PutUint32(payload[0:4], uint32(p.Answer.ReturnCode))
		if err := putString(payload[4:4+messageField], p.Answer.ErrorMessage, "error_message"); err != nil {
			return nil, err
		}
	case OpListMailboxes:
		if err := putString(payload[0:pipeField], p.List.ClientPipe, "client_pipe"); err != nil {
			return nil, err
		}
	case OpListMailboxesAnswer:
		if p.Box.Last {
			payload[0] = 1
		}
		if err := putString(payload[1:1+boxField], p.Box.BoxName, "box_name"); err != nil {
			return nil, err
		}
		off := 1 + boxField
		binary.LittleEndian.PutUint64(payload[off:off+8], p.Box.BoxSize)
		binary.LittleEndian.PutUint64(payload[off+8:off+16], p.Box.Subscribers)
		binary.LittleEndian.PutUint64(payload[off+16:off+24], p.Box.Publishers)
	case OpPublishMessage, OpSendMessage:
		if err := putString(payload[0:messageField], p.Message.Text, "message"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(p.Opcode))
	}

	return buf, nil
}

// Decode parses a PacketSize buffer
func Decode(buf []byte) (Packet, error) {
	var p Packet
	if len(buf) != PacketSize {
		return p, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformed, len(buf), PacketSize)
	}

	p.Opcode = Opcode(buf[0])
	payload := buf[1:]
	var err error

	switch p.Opcode {
	case OpRegisterPublisher, OpRegisterSubscriber, OpCreateMailbox, OpRemoveMailbox:
		if p.Registration.ClientPipe, err = getString(payload[0:pipeField], "client_pipe"); err != nil {
			return p, err
		}
		if p.Registration.BoxName, err = getString(payload[pipeField:pipeField+boxField], "box_name"); err != nil {
			return p, err
		}
	case OpCreateMailboxAnswer, OpRemoveMailboxAnswer:
		p.Answer.ReturnCode = int32(binary.LittleEndian.Uint32(payload[0:4]))
		if p.Answer.ErrorMessage, err = getString(payload[4:4+messageField], "error_message"); err != nil {
			return p, err
		}
	case OpListMailboxes:
		if p.List.ClientPipe, err = getString(payload[0:pipeField], "client_pipe"); err != nil {
			return p, err
		}
	case OpListMailboxesAnswer:
		p.Box.Last = payload[0] != 0
		if p.Box.BoxName, err = getString(payload[1:1+boxField], "box_name"); err != nil {
			return p, err
		}
		off := 1 + boxField
		p.Box.BoxSize = binary.LittleEndian.Uint64(payload[off : off+8])
		p.Box.Subscribers = binary.LittleEndian.Uint64(payload[off+8 : off+16])
		p.Box.Publishers = binary.LittleEndian.Uint64(payload[off+16 : off+24])
	case OpPublishMessage, OpSendMessage:
		if p.Message.Text, err = getString(payload[0:messageField], "message"); err != nil {
			return p, err
		}
	default:
		return p, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(p.Opcode))
	}

	return p, nil
}

// WritePacket encodes p and writes it in a single call
func WritePacket(w io.Writer, p Packet) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// ReadPacket reads one full packet. A clean end of stream before the first
// byte returns io.EOF; a truncated packet returns io.ErrUnexpectedEOF.
func ReadPacket(r io.Reader) (Packet, error) {
	buf := make([]byte, PacketSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, err
		}
		return Packet{}, fmt.Errorf("failed to read packet: %w", err)
	}
	return Decode(buf)
}

// putString copies s into a zeroed fixed field, keeping room for the terminator
func putString(dst []byte, s, field string) error {
	if len(s) > len(dst)-1 {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFieldTooLong, field, len(s), len(dst)-1)
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrMalformed, field)
	}
	copy(dst, s)
	return nil
}

func getString(src []byte, field string) (string, error) {
	n := bytes.IndexByte(src, 0)
	if n < 0 {
		return "", fmt.Errorf("%w: %s is not terminated", ErrMalformed, field)
	}
	return string(src[:n]), nil
}
