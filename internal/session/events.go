package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/skillswap/peercall/internal/media"
	"github.com/skillswap/peercall/internal/signaling"
)

// event is the tagged-variant inbound type consumed by the engine's single
// dispatch routine. Signaling handlers, media-engine callbacks, and caller
// actions all post events; the run loop is the only place state mutates.
type event interface{ isEvent() }

type evJoined struct{ p signaling.SessionJoinedPayload }

type evPeerJoined struct{ p signaling.PresencePayload }

type evPeerLeft struct{ p signaling.PresencePayload }

type evReady struct{ p signaling.ReadyToConnectPayload }

type evOffer struct{ p signaling.DescriptorPayload }

type evAnswer struct{ p signaling.DescriptorPayload }

type evCandidate struct{ p signaling.CandidatePayload }

type evLocalCandidate struct{ c webrtc.ICECandidateInit }

type evConnState struct{ s webrtc.PeerConnectionState }

type evPeerMedia struct{ p signaling.MediaStatePayload }

type evChat struct{ p signaling.ChatMessagePayload }

type evRemoteEnded struct{ p signaling.SessionEndedPayload }

type evChannelError struct{ err error }

// cmdEnd drives the idempotent local teardown path. done is closed once the
// engine has fully torn down.
type cmdEnd struct{ done chan struct{} }

// cmdSwitchSource hot-swaps the outgoing video source.
type cmdSwitchSource struct {
	source media.Source
	resp   chan error
}

func (evJoined) isEvent()         {}
func (evPeerJoined) isEvent()     {}
func (evPeerLeft) isEvent()       {}
func (evReady) isEvent()          {}
func (evOffer) isEvent()          {}
func (evAnswer) isEvent()         {}
func (evCandidate) isEvent()      {}
func (evLocalCandidate) isEvent() {}
func (evConnState) isEvent()      {}
func (evPeerMedia) isEvent()      {}
func (evChat) isEvent()           {}
func (evRemoteEnded) isEvent()    {}
func (evChannelError) isEvent()   {}
func (cmdEnd) isEvent()           {}
func (cmdSwitchSource) isEvent()  {}
