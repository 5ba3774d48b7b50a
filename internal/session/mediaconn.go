package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/skillswap/peercall/internal/media"
)

// MediaConn abstracts the underlying media engine's per-connection surface:
// descriptor creation/application, candidate exchange, in-place video track
// replacement, and connectivity-state notification. The production
// implementation lives in internal/rtc; tests substitute fakes.
//
// Implementations must be safe for concurrent use: callbacks fire on the
// media engine's own goroutines.
type MediaConn interface {
	// CreateOffer builds a local offer descriptor and applies it locally.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer builds a local answer descriptor and applies it locally.
	// Valid only after ApplyRemote has set the remote offer.
	CreateAnswer() (webrtc.SessionDescription, error)
	// ApplyRemote applies the remote peer's offer or answer.
	ApplyRemote(webrtc.SessionDescription) error
	// AddCandidate applies one remote reachability candidate. Calling it
	// before ApplyRemote is an error in the media engine; the engine's
	// candidate buffer exists to prevent that.
	AddCandidate(webrtc.ICECandidateInit) error

	// OnCandidate registers the sink for locally gathered candidates.
	OnCandidate(func(webrtc.ICECandidateInit))
	// OnStateChange registers the sink for connectivity-state notifications.
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnRemoteTrack registers the sink for inbound remote media tracks.
	OnRemoteTrack(func(*webrtc.TrackRemote))

	// ReplaceVideoTrack swaps the outgoing video track in place, without
	// renegotiation.
	ReplaceVideoTrack(media.Track) error

	// Close releases the connection. Idempotent.
	Close()
}

// ConnFactory builds a fresh media connection carrying the given local
// tracks. The engine calls it once at start and again after a transient
// peer loss resets negotiation.
type ConnFactory func(audio, video media.Track) (MediaConn, error)
