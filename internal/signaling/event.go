package signaling

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind names a signaling event exchanged over the session channel.
type Kind string

const (
	KindJoinSession    Kind = "join-session"
	KindSessionJoined  Kind = "session-joined"
	KindUserJoined     Kind = "user-joined"
	KindUserLeft       Kind = "user-left"
	KindReadyToConnect Kind = "ready-to-connect"
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindICECandidate   Kind = "ice-candidate"
	KindMediaState     Kind = "media-state"
	KindChatMessage    Kind = "chat-message"
	KindEndSession     Kind = "end-session"
	KindSessionEnded   Kind = "session-ended"
	KindError          Kind = "error"
)

// Envelope is the wire frame for every event on the channel.
type Envelope struct {
	Event   Kind            `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Participant identifies a session member as seen through signaling.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type JoinSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionJoinedPayload struct {
	SessionID    string        `json:"sessionId"`
	Participants []Participant `json:"participants"`
	IsInitiator  bool          `json:"isInitiator"`
}

// PresencePayload carries user-joined / user-left notifications.
type PresencePayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type ReadyToConnectPayload struct {
	SessionID    string        `json:"sessionId"`
	Participants []Participant `json:"participants"`
}

// DescriptorPayload carries an offer or answer.
type DescriptorPayload struct {
	Descriptor webrtc.SessionDescription `json:"descriptor"`
	From       Participant               `json:"from"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	From      string                  `json:"from"`
}

type MediaStatePayload struct {
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
	From  string `json:"from"`
}

type ChatMessagePayload struct {
	Message   string      `json:"message"`
	From      Participant `json:"from"`
	Timestamp time.Time   `json:"timestamp"`
}

type EndSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionEndedPayload struct {
	SessionID string      `json:"sessionId"`
	EndedBy   Participant `json:"endedBy"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
