package model

import (
	"encoding/json"
	"fmt"
)

// MessageType is the type tag carried next to every payload.
type MessageType string

const (
	TypePreservationRequest  MessageType = "preservation-request"
	TypePreservationResponse MessageType = "preservation-response"
	TypeImportRequest        MessageType = "import-request"
	TypeImportResponse       MessageType = "import-response"
	TypeShutdown             MessageType = "shutdown"
)

// Message is the closed set of documents that travel over the transport.
// Receivers switch on the concrete type once, right after Decode.
type Message interface {
	MessageType() MessageType
	message()
}

// Shutdown asks a worker to stop after the current receive.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

// Undecodable wraps a payload that could not be turned into a known message.
type Undecodable struct {
	Type    MessageType
	Payload []byte
	Err     error
}

func (*PreservationRequest) MessageType() MessageType  { return TypePreservationRequest }
func (*PreservationResponse) MessageType() MessageType { return TypePreservationResponse }
func (*ImportRequest) MessageType() MessageType        { return TypeImportRequest }
func (*ImportResponse) MessageType() MessageType       { return TypeImportResponse }
func (*Shutdown) MessageType() MessageType             { return TypeShutdown }
func (u *Undecodable) MessageType() MessageType        { return u.Type }

func (*PreservationRequest) message()  {}
func (*PreservationResponse) message() {}
func (*ImportRequest) message()        {}
func (*ImportResponse) message()       {}
func (*Shutdown) message()             {}
func (*Undecodable) message()          {}

// Decode turns a typed payload into its message. It never fails: unknown
// types and malformed payloads come back as *Undecodable. A shutdown payload
// is not inspected.
func Decode(typ MessageType, payload []byte) Message {
	var msg Message
	switch typ {
	case TypeShutdown:
		s := &Shutdown{}
		_ = json.Unmarshal(payload, s)
		return s
	case TypePreservationRequest:
		msg = &PreservationRequest{}
	case TypePreservationResponse:
		msg = &PreservationResponse{}
	case TypeImportRequest:
		msg = &ImportRequest{}
	case TypeImportResponse:
		msg = &ImportResponse{}
	default:
		return &Undecodable{Type: typ, Payload: payload, Err: fmt.Errorf("unknown message type %q", typ)}
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return &Undecodable{Type: typ, Payload: payload, Err: fmt.Errorf("decoding %s: %w", typ, err)}
	}
	return msg
}

// Encode renders a message as its type tag and JSON payload.
func Encode(msg Message) (MessageType, []byte, error) {
	if u, ok := msg.(*Undecodable); ok {
		return u.Type, u.Payload, nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	return msg.MessageType(), payload, nil
}
