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

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type discriminators shared by the gateway and worker sides of the
// broker. Every payload on the wire is a single JSON object carrying one of
// these in its "type" field.
const (
	TypeUserMessage     = "user_message"
	TypeStatusMessage   = "status_message"
	TypeResponseMessage = "response_message"
)

// FallbackResponseText is the user-visible text substituted when a worker
// fails or exceeds its deadline. Responses carrying it are broadcast but
// never cached.
const FallbackResponseText = "Something went wrong. Try again later"

// Decode error classes
var (
	ErrMalformedPayload = errors.New("malformed message payload")
	ErrUnknownType      = errors.New("unknown message type")
)

// Message is implemented by every broker envelope variant. Decoding always
// dispatches on the type discriminator first; callers receive the concrete
// variant and switch on it.
type Message interface {
	Chat() string
}

// UserMessage is a work item published by the gateway for asynchronous
// processing by a worker.
type UserMessage struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Artist    string `json:"artist"`
	Title     string `json:"title"`
}

func (m *UserMessage) Chat() string { return m.ChatID }

// StatusMessage is an interim progress update emitted by a worker while a
// request is still in flight.
type StatusMessage struct {
	ChatID        string `json:"chat_id"`
	UserMessageID string `json:"user_message_id"`
	Text          string `json:"text"`
}

func (m *StatusMessage) Chat() string { return m.ChatID }

// ResponseMessage is the terminal result for one user request. Artist and
// title are echoed back from the originating work item so the gateway can
// key its cache write without extra state.
type ResponseMessage struct {
	ChatID        string   `json:"chat_id"`
	UserMessageID string   `json:"user_message_id"`
	Response      string   `json:"response"`
	Countries     []string `json:"countries"`
	Artist        string   `json:"artist,omitempty"`
	Title         string   `json:"title,omitempty"`
}

func (m *ResponseMessage) Chat() string { return m.ChatID }

// Encode serializes a message variant into a self-describing JSON payload.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *UserMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			*UserMessage
		}{TypeUserMessage, v})
	case *StatusMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			*StatusMessage
		}{TypeStatusMessage, v})
	case *ResponseMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ResponseMessage
		}{TypeResponseMessage, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// Decode parses a payload into its concrete message variant. The type
// discriminator is inspected before the rest of the payload is interpreted;
// an absent or unrecognized discriminator fails with ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch probe.Type {
	case TypeUserMessage:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &m, nil
	case TypeStatusMessage:
		var m StatusMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &m, nil
	case TypeResponseMessage:
		var m ResponseMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
}
