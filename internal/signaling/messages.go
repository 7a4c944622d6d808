package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	// Client -> server.
	MessageTypeJoinRoom MessageType = "join-room"

	// Relayed verbatim between members (both directions).
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"

	// Server -> client.
	MessageTypeRoomJoined       MessageType = "room-joined"
	MessageTypeUserConnected    MessageType = "user-connected"
	MessageTypeUserDisconnected MessageType = "user-disconnected"
	MessageTypeError            MessageType = "error"
)

// SignalMessage is the wire envelope for every signaling frame.
//
// Payload carries SDP or ICE candidate content. The relay never inspects it:
// it is decoded as raw JSON and forwarded byte-for-byte, so clients may evolve
// their session descriptions without server changes.
type SignalMessage struct {
	Type MessageType `json:"type"`

	// RoomID is set on join-room (client) and room-joined (server).
	RoomID string `json:"roomId,omitempty"`

	// Target addresses an offer/answer/ice-candidate to a specific member.
	// Set by the sender; the relay strips it on forward.
	Target string `json:"target,omitempty"`

	// From identifies the originating member on forwarded frames. It is
	// assigned by the server; any client-supplied value is discarded.
	From string `json:"from,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Participants lists the members already present, in join order
	// (room-joined only).
	Participants []string `json:"participants,omitempty"`

	// UserID identifies the member that connected or disconnected. On
	// room-joined it carries the receiver's own server-assigned ID.
	UserID string `json:"userId,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseSignalMessage decodes and validates a single client frame. Unknown
// fields, trailing data, and field combinations outside the per-type shape
// are all rejected.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalMessage
	if err := dec.Decode(&msg); err != nil {
		return SignalMessage{}, err
	}
	if err := msg.validateClient(); err != nil {
		return SignalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// validateClient checks the shapes a client is allowed to send. Server-only
// types (room-joined, user-connected, ...) are rejected outright.
func (m SignalMessage) validateClient() error {
	switch m.Type {
	case MessageTypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
		if m.Target != "" || m.From != "" || m.Payload != nil || m.Participants != nil || m.UserID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if m.Target == "" {
			return fmt.Errorf("%s message missing target", m.Type)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", m.Type)
		}
		if m.RoomID != "" || m.From != "" || m.Participants != nil || m.UserID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
