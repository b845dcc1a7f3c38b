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
	"errors"
	"fmt"
)

// Field capacities, in bytes, excluding the NUL terminator
const (
	PipeNameSize = 256
	BoxNameSize  = 32
	MessageSize  = 1024
)

// ReservedBoxNameChars may not appear in a mailbox name. Storage backends
// map box names onto paths and keys, so the same set is enforced there.
const ReservedBoxNameChars = "/\\\x00"

// Opcode identifies the payload carried by a packet
type Opcode uint8

const (
	OpRegisterPublisher   Opcode = 1
	OpRegisterSubscriber  Opcode = 2
	OpCreateMailbox       Opcode = 3
	OpCreateMailboxAnswer Opcode = 4
	OpRemoveMailbox       Opcode = 5
	OpRemoveMailboxAnswer Opcode = 6
	OpListMailboxes       Opcode = 7
	OpListMailboxesAnswer Opcode = 8
	OpPublishMessage      Opcode = 9
	OpSendMessage         Opcode = 10
)

// Return codes carried in answers
const (
	ReturnOK    int32 = 0
	ReturnError int32 = -1
)

var (
	ErrFieldTooLong  = errors.New("field exceeds capacity")
	ErrMalformed     = errors.New("malformed packet")
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// IsViolation reports whether err came from a malformed packet rather than
// from the underlying stream
func IsViolation(err error) bool {
	return errors.Is(err, ErrFieldTooLong) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownOpcode)
}

var opcodeNames = map[Opcode]string{
	OpRegisterPublisher:   "REGISTER_PUBLISHER",
	OpRegisterSubscriber:  "REGISTER_SUBSCRIBER",
	OpCreateMailbox:       "CREATE_MAILBOX",
	OpCreateMailboxAnswer: "CREATE_MAILBOX_ANSWER",
	OpRemoveMailbox:       "REMOVE_MAILBOX",
	OpRemoveMailboxAnswer: "REMOVE_MAILBOX_ANSWER",
	OpListMailboxes:       "LIST_MAILBOXES",
	OpListMailboxesAnswer: "LIST_MAILBOXES_ANSWER",
	OpPublishMessage:      "PUBLISH_MESSAGE",
	OpSendMessage:         "SEND_MESSAGE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// Valid reports whether o is one of the known opcodes
func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// AnswerFor returns the answer opcode an administrative request is replied with
func AnswerFor(op Opcode) (Opcode, bool) {
	switch op {
	case OpCreateMailbox:
		return OpCreateMailboxAnswer, true
	case OpRemoveMailbox:
		return OpRemoveMailboxAnswer, true
	case OpListMailboxes:
		return OpListMailboxesAnswer, true
	default:
		return 0, false
	}
}

// Registration is the payload of publisher/subscriber registrations and
// create/remove requests
type Registration struct {
	ClientPipe string
	BoxName    string
}

// Answer is the reply to create/remove requests
type Answer struct {
	ReturnCode   int32
	ErrorMessage string
}

// ListRequest is the payload of a list request
type ListRequest struct {
	ClientPipe string
}

// BoxInfo describes one mailbox in a list reply
type BoxInfo struct {
	Last        bool
	BoxName     string
	BoxSize     uint64
	Subscribers uint64
	Publishers  uint64
}

// Message carries one published record
type Message struct {
	Text string
}

// Packet is one fixed-size protocol unit. Only the payload selected by
// Opcode is meaningful; the others stay zero.
type Packet struct {
	Opcode       Opcode
	Registration Registration
	Answer       Answer
	List         ListRequest
	Box          BoxInfo
	Message      Message
}

// ClientPipe returns the client channel named by a request packet
func (p Packet) ClientPipe() string {
	switch p.Opcode {
	case OpListMailboxes:
		return p.List.ClientPipe
	case OpRegisterPublisher, OpRegisterSubscriber, OpCreateMailbox, OpRemoveMailbox:
		return p.Registration.ClientPipe
	default:
		return ""
	}
}

// IsRequest reports whether the packet is something a client submits on
// the control channel
func (p Packet) IsRequest() bool {
	switch p.Opcode {
	case OpRegisterPublisher, OpRegisterSubscriber, OpCreateMailbox, OpRemoveMailbox, OpListMailboxes:
		return true
	default:
		return false
	}
}

// OK reports whether an answer packet carries a success code
func (p Packet) OK() bool {
	return p.Answer.ReturnCode == ReturnOK
}
