// Package signal defines the JSON wire protocol exchanged over the
// signaling channel between call participants and the room hub.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags a signaling message.
type Type string

const (
	TypeJoin         Type = "join"
	TypeRoomUsers    Type = "room-users"
	TypeUserJoined   Type = "user-joined"
	TypeUserLeft     Type = "user-left"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeChatMessage  Type = "chat-message"
	TypeError        Type = "error"
)

// Role identifies a participant's side of the call.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Participant is the identity carried in membership messages.
type Participant struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Role         Role   `json:"role"`
}

// SessionDescription is the offer/answer payload. Mirrors the WebRTC
// session description shape so either side can apply it directly.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the ice-candidate payload.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Simplified returns the reduced-field fallback variant used when applying
// the full candidate fails: only the core fields survive.
func (c Candidate) Simplified() Candidate {
	return Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// ChatMessage is the chat payload, also the raw material for fallback
// transcripts.
type ChatMessage struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// Message is the tagged union carried on the wire. Payload fields are
// populated per type; Validate enforces which fields each tag requires.
type Message struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Sender string `json:"sender,omitempty"`
	Target string `json:"target,omitempty"`

	Participant *Participant        `json:"participant,omitempty"`
	Self        *Participant        `json:"self,omitempty"`
	Users       []Participant       `json:"users,omitempty"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *Candidate          `json:"candidate,omitempty"`
	Chat        *ChatMessage        `json:"chat,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Validate checks that the required fields for the message's tag are present.
// Called at the channel boundary on both ends.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if m.RoomID == "" {
			return fmt.Errorf("join: missing roomId")
		}
		if m.Participant == nil {
			return fmt.Errorf("join: missing participant")
		}
	case TypeRoomUsers:
		if m.RoomID == "" {
			return fmt.Errorf("room-users: missing roomId")
		}
	case TypeUserJoined, TypeUserLeft:
		if m.RoomID == "" || m.Participant == nil {
			return fmt.Errorf("%s: missing roomId or participant", m.Type)
		}
	case TypeOffer, TypeAnswer:
		if m.RoomID == "" || m.Sender == "" || m.Target == "" {
			return fmt.Errorf("%s: roomId, sender and target are required", m.Type)
		}
		if m.Description == nil || m.Description.SDP == "" {
			return fmt.Errorf("%s: missing session description", m.Type)
		}
	case TypeICECandidate:
		if m.RoomID == "" || m.Sender == "" || m.Target == "" {
			return fmt.Errorf("ice-candidate: roomId, sender and target are required")
		}
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("ice-candidate: missing candidate")
		}
	case TypeChatMessage:
		if m.RoomID == "" || m.Chat == nil || m.Chat.Text == "" {
			return fmt.Errorf("chat-message: missing roomId or chat body")
		}
	case TypeError:
		if m.Error == "" {
			return fmt.Errorf("error: missing error text")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Decode parses and validates a wire message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse signaling message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode serializes a validated message for the wire.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signaling message: %w", err)
	}
	return data, nil
}
