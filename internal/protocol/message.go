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
	"fmt"
	"strings"
)

// NewRegistration creates a registration-shaped request
// (publisher, subscriber, create or remove)
func NewRegistration(op Opcode, clientPipe, boxName string) Packet {
	return Packet{
		Opcode: op,
		Registration: Registration{
			ClientPipe: clientPipe,
			BoxName:    boxName,
		},
	}
}

// NewListRequest creates a LIST_MAILBOXES request
func NewListRequest(clientPipe string) Packet {
	return Packet{
		Opcode: OpListMailboxes,
		List:   ListRequest{ClientPipe: clientPipe},
	}
}

// NewAnswer creates an answer packet; a nil err yields a success code
func NewAnswer(op Opcode, err error) Packet {
	p := Packet{Opcode: op}
	if err != nil {
		p.Answer.ReturnCode = ReturnError
		p.Answer.ErrorMessage = clip(err.Error(), MessageSize)
	}
	return p
}

// NewBoxInfo creates one LIST_MAILBOXES_ANSWER entry
func NewBoxInfo(info BoxInfo) Packet {
	return Packet{
		Opcode: OpListMailboxesAnswer,
		Box:    info,
	}
}

// NewEmptyListAnswer is the single reply sent when no mailbox exists
func NewEmptyListAnswer() Packet {
	return NewBoxInfo(BoxInfo{Last: true})
}

// NewMessage creates a PUBLISH_MESSAGE or SEND_MESSAGE packet
func NewMessage(op Opcode, text string) Packet {
	return Packet{
		Opcode:  op,
		Message: Message{Text: text},
	}
}

// Validate checks a request packet before it is acted upon
func Validate(p Packet) error {
	if !p.Opcode.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(p.Opcode))
	}

	switch p.Opcode {
	case OpRegisterPublisher, OpRegisterSubscriber, OpCreateMailbox, OpRemoveMailbox:
		if err := ValidatePipeName(p.Registration.ClientPipe); err != nil {
			return err
		}
		return ValidateBoxName(p.Registration.BoxName)
	case OpListMailboxes:
		return ValidatePipeName(p.List.ClientPipe)
	case OpPublishMessage, OpSendMessage:
		return ValidateMessage(p.Message.Text)
	}
	return nil
}

// ValidatePipeName checks a client channel name
func ValidatePipeName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: client_pipe is required", ErrMalformed)
	}
	if len(name) > PipeNameSize {
		return fmt.Errorf("%w: client_pipe is %d bytes, max %d", ErrFieldTooLong, len(name), PipeNameSize)
	}
	return nil
}

// ValidateBoxName checks a mailbox name
func ValidateBoxName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: box_name is required", ErrMalformed)
	}
	if len(name) > BoxNameSize {
		return fmt.Errorf("%w: box_name is %d bytes, max %d", ErrFieldTooLong, len(name), BoxNameSize)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, ReservedBoxNameChars) {
		return fmt.Errorf("%w: invalid box_name %q", ErrMalformed, name)
	}
	return nil
}

// ValidateMessage checks a message body
func ValidateMessage(text string) error {
	if len(text) > MessageSize {
		return fmt.Errorf("%w: message is %d bytes, max %d", ErrFieldTooLong, len(text), MessageSize)
	}
	if strings.IndexByte(text, 0) >= 0 {
		return fmt.Errorf("%w: message contains a NUL byte", ErrMalformed)
	}
	return nil
}

// clip shortens human-readable error text, never network names
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
