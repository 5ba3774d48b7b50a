package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/skillswap/peercall/internal/media"
	"github.com/skillswap/peercall/internal/signaling"
)

type sentEvent struct {
	kind    signaling.Kind
	payload any
}

// fakeSignal records everything the engine sends and lets tests inject
// inbound events through the registered handlers.
type fakeSignal struct {
	mu          sync.Mutex
	handlers    map[signaling.Kind]signaling.Handler
	sent        []sentEvent
	joins       []string
	connects    int
	disconnects int
	connectErr  error
	onErr       func(error)
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{handlers: make(map[signaling.Kind]signaling.Handler)}
}

func (f *fakeSignal) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeSignal) JoinSession(sessionID string) {
	f.mu.Lock()
	f.joins = append(f.joins, sessionID)
	f.mu.Unlock()
}

func (f *fakeSignal) Send(kind signaling.Kind, payload any) {
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{kind: kind, payload: payload})
	f.mu.Unlock()
}

func (f *fakeSignal) Handle(kind signaling.Kind, fn signaling.Handler) {
	f.mu.Lock()
	f.handlers[kind] = fn
	f.mu.Unlock()
}

func (f *fakeSignal) OnError(fn func(error)) {
	f.mu.Lock()
	f.onErr = fn
	f.mu.Unlock()
}

func (f *fakeSignal) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeSignal) countSent(kind signaling.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

// emit feeds an inbound relay event through the handler the engine
// registered for its kind.
func (f *fakeSignal) emit(t *testing.T, kind signaling.Kind, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", kind, err)
	}
	f.mu.Lock()
	fn := f.handlers[kind]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler registered for %s", kind)
	}
	fn(signaling.Envelope{Event: kind, Payload: raw})
}

// fakeTrack is a controllable local track.
type fakeTrack struct {
	mu      sync.Mutex
	id      string
	stopped bool
	onEnded func(error)
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// endExternally simulates the OS tearing down the capture source.
func (t *fakeTrack) endExternally() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(errors.New("capture source gone"))
	}
}

// fakeCapturer hands out fake tracks.
type fakeCapturer struct {
	mu          sync.Mutex
	userErr     error
	displayErr  error
	userCalls   int
	screenCalls int
	lastAudio   *fakeTrack
	lastVideo   *fakeTrack
	lastScreen  *fakeTrack
}

func (c *fakeCapturer) CaptureUserMedia(ctx context.Context) (media.Track, media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userErr != nil {
		return nil, nil, c.userErr
	}
	c.userCalls++
	c.lastAudio = &fakeTrack{id: "mic-0"}
	c.lastVideo = &fakeTrack{id: "cam-0"}
	return c.lastAudio, c.lastVideo, nil
}

func (c *fakeCapturer) CaptureDisplay(ctx context.Context) (media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.displayErr != nil {
		return nil, c.displayErr
	}
	c.screenCalls++
	c.lastScreen = &fakeTrack{id: "screen-0"}
	return c.lastScreen, nil
}

// fakeConn records the descriptors and candidates the engine applies.
type fakeConn struct {
	mu         sync.Mutex
	audio      media.Track
	video      media.Track
	offers     int
	answers    int
	applied    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	replaced   []media.Track
	closed     bool

	offerErr  error
	answerErr error
	applyErr  error
	candErr   error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return webrtc.SessionDescription{}, c.answerErr
	}
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) ApplyRemote(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applyErr != nil {
		return c.applyErr
	}
	c.applied = append(c.applied, desc)
	return nil
}

func (c *fakeConn) AddCandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candErr != nil {
		return c.candErr
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) ReplaceVideoTrack(t media.Track) error {
	c.mu.Lock()
	c.replaced = append(c.replaced, t)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// connTracker is a ConnFactory that keeps every connection it built.
type connTracker struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (ct *connTracker) factory(audio, video media.Track) (MediaConn, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.err != nil {
		return nil, ct.err
	}
	c := &fakeConn{audio: audio, video: video}
	ct.conns = append(ct.conns, c)
	return c, nil
}

func (ct *connTracker) count() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.conns)
}

func (ct *connTracker) last() *fakeConn {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if len(ct.conns) == 0 {
		return nil
	}
	return ct.conns[len(ct.conns)-1]
}
