package gateway

import (
	"time"

	"github.com/google/uuid"

	"lyra/internal/envelope"
)

// Client frame types
const (
	FrameTypeResponse = "response"
	FrameTypeEvent    = "event"
)

// Client event names
const (
	EventStatusMessage = "statusMessage"
	EventNewMessage    = "newMessage"
)

// Client error frames, mirrored by error code on the wire
const (
	codeBadRequest    = 400
	codeMissingData   = 422
	codeInternalError = 500
)

// ResponseFrame acknowledges an accepted command. Success means "accepted
// for processing", not "answered".
type ResponseFrame struct {
	Type string       `json:"type"`
	ID   string       `json:"id"`
	Data ResponseData `json:"data"`
}

// ResponseData carries the ack payload
type ResponseData struct {
	Success bool `json:"success"`
}

// ErrorFrame reports a per-command failure to the client
type ErrorFrame struct {
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

// EventFrame pushes a server-initiated event to the client
type EventFrame struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// NewMessageData is the payload of a newMessage event. Artist and title are
// present so clients can correlate results without tracking request state.
type NewMessageData struct {
	ID            string    `json:"id"`
	Datetime      time.Time `json:"datetime"`
	UserMessageID string    `json:"user_message_id"`
	Text          string    `json:"text"`
	Countries     []string  `json:"countries,omitempty"`
	Artist        string    `json:"artist,omitempty"`
	Title         string    `json:"title,omitempty"`
}

// StatusMessageData is the payload of a statusMessage event
type StatusMessageData struct {
	UserMessageID string `json:"user_message_id"`
	Text          string `json:"text"`
}

// NewAckFrame builds the success acknowledgment for a command id.
func NewAckFrame(messageID string) ResponseFrame {
	return ResponseFrame{
		Type: FrameTypeResponse,
		ID:   messageID,
		Data: ResponseData{Success: true},
	}
}

// NewMethodNotAllowedFrame reports an unrecognized command method.
func NewMethodNotAllowedFrame() ErrorFrame {
	return ErrorFrame{ErrorCode: codeBadRequest, Error: "Method is not allowed"}
}

// NewDecodeErrorFrame reports an undecodable client frame.
func NewDecodeErrorFrame() ErrorFrame {
	return ErrorFrame{ErrorCode: codeBadRequest, Error: "Json decode error"}
}

// NewMissingDataFrame reports a command with missing required fields.
func NewMissingDataFrame() ErrorFrame {
	return ErrorFrame{ErrorCode: codeMissingData, Error: "Required fields are missing in client data"}
}

// NewInternalErrorFrame reports an uncaught fault while handling a command.
func NewInternalErrorFrame() ErrorFrame {
	return ErrorFrame{ErrorCode: codeInternalError, Error: "Internal server error"}
}

// NewMessageEvent builds a newMessage event frame.
func NewMessageEvent(userMessageID, text string, countries []string, artist, title string) EventFrame {
	return EventFrame{
		Type:  FrameTypeEvent,
		Event: EventNewMessage,
		Data: NewMessageData{
			ID:            uuid.New().String(),
			Datetime:      time.Now().UTC(),
			UserMessageID: userMessageID,
			Text:          text,
			Countries:     countries,
			Artist:        artist,
			Title:         title,
		},
	}
}

// StatusEvent builds a statusMessage event frame.
func StatusEvent(userMessageID, text string) EventFrame {
	return EventFrame{
		Type:  FrameTypeEvent,
		Event: EventStatusMessage,
		Data: StatusMessageData{
			UserMessageID: userMessageID,
			Text:          text,
		},
	}
}

// EventFromResult converts a broker-delivered result into its client event
// frame. Returns ok=false for work items, which never travel towards
// clients.
func EventFromResult(msg envelope.Message) (EventFrame, bool) {
	switch m := msg.(type) {
	case *envelope.ResponseMessage:
		return NewMessageEvent(m.UserMessageID, m.Response, m.Countries, m.Artist, m.Title), true
	case *envelope.StatusMessage:
		return StatusEvent(m.UserMessageID, m.Text), true
	default:
		return EventFrame{}, false
	}
}
