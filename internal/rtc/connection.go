// Package rtc adapts a pion/webrtc peer connection to the session engine's
// media-engine contract.
package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/skillswap/peercall/internal/media"
)

// Config holds peer connection settings.
type Config struct {
	STUNURLs []string
	// Selector registers the capture codecs with the connection's
	// MediaEngine. Required when tracks come from pion/mediadevices.
	Selector *mediadevices.CodecSelector
}

// DefaultSTUNURLs are used when the configuration names none.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// unwrapper is implemented by tracks backed by pion/mediadevices.
type unwrapper interface {
	Unwrap() mediadevices.Track
}

// Conn wraps one webrtc.PeerConnection for one negotiation attempt.
type Conn struct {
	pc          *webrtc.PeerConnection
	videoSender *webrtc.RTPSender
	logger      *zap.Logger
	closeOnce   sync.Once
}

// New builds a peer connection carrying the given local tracks. Both
// transceivers are send+receive so the remote peer's media arrives on the
// same connection.
func New(cfg Config, audio, video media.Track, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.L()
	}
	urls := cfg.STUNURLs
	if len(urls) == 0 {
		urls = DefaultSTUNURLs
	}

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if cfg.Selector != nil {
		cfg.Selector.Populate(&mediaEngine)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{{URLs: urls}},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Conn{pc: pc, logger: logger.Named("rtc")}

	if audio != nil {
		if _, err := c.addTrack(audio); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio track: %w", err)
		}
	}
	if video != nil {
		sender, err := c.addTrack(video)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add video track: %w", err)
		}
		c.videoSender = sender
	}

	return c, nil
}

func (c *Conn) addTrack(t media.Track) (*webrtc.RTPSender, error) {
	u, ok := t.(unwrapper)
	if !ok {
		return nil, fmt.Errorf("track %s is not a device track", t.ID())
	}
	transceiver, err := c.pc.AddTransceiverFromTrack(u.Unwrap(), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	return transceiver.Sender(), nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (c *Conn) ApplyRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (c *Conn) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (c *Conn) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			fn(candidate.ToJSON())
		}
	})
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *Conn) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info("remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()))
		fn(track)
	})
}

// ReplaceVideoTrack swaps the outgoing video track in place. pion's
// RTPSender supports this without a new offer/answer round trip, so no
// renegotiation happens and the audio sender is untouched.
func (c *Conn) ReplaceVideoTrack(t media.Track) error {
	if c.videoSender == nil {
		return fmt.Errorf("no video sender on connection")
	}
	u, ok := t.(unwrapper)
	if !ok {
		return fmt.Errorf("track %s is not a device track", t.ID())
	}
	if err := c.videoSender.ReplaceTrack(u.Unwrap()); err != nil {
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	return nil
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if err := c.pc.Close(); err != nil {
			c.logger.Debug("peer connection close", zap.Error(err))
		}
	})
}
