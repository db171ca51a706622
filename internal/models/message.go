package models

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the highest envelope version this build understands.
// Envelopes without a version are read as version 1.
const ProtocolVersion = 1

// SignalType represents the kind of a signaling envelope
type SignalType string

const (
	// Client -> server
	SignalTypeJoinRoom  SignalType = "join-room"
	SignalTypeLeave     SignalType = "leave"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
	SignalTypeChat      SignalType = "chat"

	// Server -> client
	SignalTypeJoined     SignalType = "joined"
	SignalTypePeerJoined SignalType = "peer-joined"
	SignalTypePeerLeft   SignalType = "peer-left"
	SignalTypeError      SignalType = "error"
)

// Error codes carried in SignalTypeError envelopes.
const (
	ErrorCodeBadMessage         = "bad_message"
	ErrorCodeUnsupportedVersion = "unsupported_version"
	ErrorCodeNotJoined          = "not_joined"
	ErrorCodeRoomMismatch       = "room_mismatch"
	ErrorCodeNotAParticipant    = "not_a_participant"
	ErrorCodeInvalidChat        = "invalid_chat"
	ErrorCodeUnknownType        = "unknown_type"
)

// SignalMessage is the JSON envelope exchanged over the signaling socket.
// Description and Candidate are relayed verbatim; only clients interpret them.
type SignalMessage struct {
	Version     int             `json:"v,omitempty"`
	Type        SignalType      `json:"type"`
	RoomID      string          `json:"roomId,omitempty"`
	From        string          `json:"from,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`

	// Chat
	ID     string    `json:"id,omitempty"`
	Text   string    `json:"text,omitempty"`
	SentAt time.Time `json:"sentAt,omitzero"`

	// Join acknowledgement. Peers is also set on peer-left: the number of
	// other members the recipient still shares the room with.
	Role  Role `json:"role,omitempty"`
	Peers int  `json:"peers,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// EffectiveVersion returns the envelope version, treating a missing field as 1.
func (m SignalMessage) EffectiveVersion() int {
	if m.Version <= 0 {
		return 1
	}
	return m.Version
}

// IsNegotiation reports whether the envelope carries offer/answer/candidate data.
func (t SignalType) IsNegotiation() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}
