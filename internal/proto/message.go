package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vovakirdan/campuschat/internal/store"
)

const (
	OutboundTypeError = "error"

	// TimeLayout is the created_at layout used on the wire.
	TimeLayout = time.RFC3339Nano
)

// Error codes carried by error frames.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeBusy          = "busy"
	ErrCodeStoreFailed   = "store_failed"
	ErrCodePublishFailed = "publish_failed"
)

// Message is the chat payload published on the broker and pushed to clients.
type Message struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	SenderID  int64  `json:"sender_id"`
	EventID   int64  `json:"event_id"`
	CreatedAt string `json:"created_at"`
}

// FromStore converts a persisted message to its wire form.
func FromStore(m *store.Message) Message {
	return Message{
		ID:        m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		EventID:   m.EventID,
		CreatedAt: FormatTime(m.CreatedAt),
	}
}

// Time parses CreatedAt.
func (m Message) Time() (time.Time, error) {
	return time.Parse(TimeLayout, m.CreatedAt)
}

// FormatTime renders t the way CreatedAt expects.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Encode marshals m to its wire form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire payload.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// Outbound is the envelope for non-message frames sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// ErrorFrame marshals an error envelope.
func ErrorFrame(code, msg string) []byte {
	// Marshal of this shape cannot fail.
	data, _ := json.Marshal(Outbound{Type: OutboundTypeError, Error: &Error{Code: code, Msg: msg}})
	return data
}
