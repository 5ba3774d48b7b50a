// Package session implements the peer session negotiation engine: joining a
// two-party session through the signaling channel, offer/answer role
// assignment, descriptor and candidate exchange with pre-descriptor candidate
// buffering, and idempotent termination driven from either side.
package session

// State is the negotiation state machine's current position. It is owned by
// the engine's run loop and transitions only in reaction to caller actions,
// inbound signaling events, and media-engine notifications.
type State int

const (
	StateNew State = iota
	StateJoining
	StateRoleAssigned
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateJoining:
		return "Joining"
	case StateRoleAssigned:
		return "RoleAssigned"
	case StateNegotiating:
		return "Negotiating"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Role is the negotiation role, assigned exactly once per session instance by
// the relay's join acknowledgment: the first participant to join becomes the
// initiator. Deriving it from join order needs no coordination round trip and
// is stable regardless of clock skew.
type Role int

const (
	RoleUnassigned Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unassigned"
	}
}

// ParticipantRef identifies the remote peer as observed through signaling
// events. Display purposes only.
type ParticipantRef struct {
	UserID      string
	DisplayName string
}

// EndRecord is created exactly once per session attempt, attributed to
// whichever side's end signal was processed first.
type EndRecord struct {
	EndedBy ParticipantRef
	Local   bool
}
