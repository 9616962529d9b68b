package session

import "encoding/json"

// MessageType discriminates the payload of a Message.
type MessageType int

const (
	// MessageTypeText is a plain UTF-8 text frame.
	MessageTypeText MessageType = iota + 1

	// MessageTypeJSON is a text frame whose payload is a JSON document.
	// On the wire it is indistinguishable from MessageTypeText; the type
	// records the sender's intent.
	MessageTypeJSON

	// MessageTypeBinary is a binary frame.
	MessageTypeBinary
)

// Message is one WebSocket data frame, inbound or outbound. It exists only
// for the duration of a single Send or Receive call; nothing retains it.
type Message struct {
	Type MessageType
	Data []byte
}

// Text builds a text message.
func Text(s string) Message {
	return Message{Type: MessageTypeText, Data: []byte(s)}
}

// Binary builds a binary message.
func Binary(b []byte) Message {
	return Message{Type: MessageTypeBinary, Data: b}
}

// JSON builds a JSON message from v.
func JSON(v interface{}) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeJSON, Data: data}, nil
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// Decode parses the payload as JSON into v. A malformed payload is reported
// as a *DecodeError so callers can distinguish it from transport faults.
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return &DecodeError{Cause: err}
	}
	return nil
}
