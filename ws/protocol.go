package ws

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Every frame in either direction carries the same envelope: an
// object.action event name and a JSON data body. Older clients send
// a bare type field with the data inlined; normalize folds those into
// the envelope form.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Legacy inbound schema.
	Type string `json:"type,omitempty"`
}

// Inbound event names.
const (
	eventTypingStart = "typing.start"
	eventTypingStop  = "typing.stop"
	eventAck         = "message.ack"
	eventGetUnacked  = "message.get_unacked"
)

var legacyEvents = map[string]string{
	"typing":      eventTypingStart,
	"ack":         eventAck,
	"get_unacked": eventGetUnacked,
}

// normalize maps a legacy type frame onto its envelope equivalent.
// raw is the whole inbound frame, which legacy clients use as the
// data body.
func (f *frame) normalize(raw []byte) {
	if f.Event != "" || f.Type == "" {
		return
	}
	if event, ok := legacyEvents[f.Type]; ok {
		f.Event = event
		f.Data = raw
	}
}

// Outbound event names the session itself emits. Committed messages
// arrive through fan-out already wrapped as message.created frames.
const (
	eventError  = "error"
	eventTyping = "typing"
)

type ackData struct {
	StreamIDs []string `json:"stream_ids"`
	// MessageID is the legacy acknowledgement form; the session
	// resolves it to a stream entry before acking.
	MessageID uuid.UUID `json:"msg_id,omitempty"`
}

type typingData struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Typing         bool      `json:"typing"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalFrame(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: event, Data: body})
}
