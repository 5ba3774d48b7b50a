package media

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubTrack struct {
	mu      sync.Mutex
	id      string
	stopped bool
	onEnded func(error)
}

func (t *stubTrack) ID() string { return t.id }

func (t *stubTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *stubTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *stubTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// endExternally simulates the OS tearing down the capture source.
func (t *stubTrack) endExternally() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(errors.New("capture source gone"))
	}
}

type stubCapturer struct {
	userErr    error
	displayErr error

	displayCalls int
	audio        *stubTrack
	video        *stubTrack
	screens      []*stubTrack
}

func (c *stubCapturer) CaptureUserMedia(ctx context.Context) (Track, Track, error) {
	if c.userErr != nil {
		return nil, nil, c.userErr
	}
	c.audio = &stubTrack{id: "mic-0"}
	c.video = &stubTrack{id: "cam-0"}
	return c.audio, c.video, nil
}

func (c *stubCapturer) CaptureDisplay(ctx context.Context) (Track, error) {
	if c.displayErr != nil {
		return nil, c.displayErr
	}
	c.displayCalls++
	t := &stubTrack{id: "screen-0"}
	c.screens = append(c.screens, t)
	return t, nil
}

type stubSender struct {
	mu       sync.Mutex
	replaced []Track
	err      error
}

func (s *stubSender) ReplaceVideoTrack(t Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.replaced = append(s.replaced, t)
	return nil
}

func (s *stubSender) replacedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.replaced))
	for i, t := range s.replaced {
		ids[i] = t.ID()
	}
	return ids
}

func newAcquiredManager(t *testing.T) (*Manager, *stubCapturer) {
	t.Helper()
	capt := &stubCapturer{}
	m := NewManager(capt, zap.NewNop())
	require.NoError(t, m.Acquire(context.Background()))
	return m, capt
}

func TestAcquireStartsOnCameraWithBothEnabled(t *testing.T) {
	m, capt := newAcquiredManager(t)

	p := m.Preview()
	assert.Equal(t, SourceCamera, p.Source)
	assert.True(t, p.AudioEnabled)
	assert.True(t, p.VideoEnabled)
	assert.Same(t, capt.audio, p.Audio)
	assert.Same(t, capt.video, p.Video)

	audio, video := m.Tracks()
	assert.Same(t, capt.audio, audio)
	assert.Same(t, capt.video, video)
}

func TestAcquireFailureWrapsCause(t *testing.T) {
	cause := errors.New("device busy")
	m := NewManager(&stubCapturer{userErr: cause}, zap.NewNop())

	err := m.Acquire(context.Background())
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.ErrorIs(t, err, cause)
}

func TestSwitchRoundTripPreservesAudio(t *testing.T) {
	m, capt := newAcquiredManager(t)
	sender := &stubSender{}
	audioBefore, _ := m.Tracks()

	require.NoError(t, m.Switch(context.Background(), SourceScreen, sender))
	assert.Equal(t, SourceScreen, m.Preview().Source)
	audio, video := m.Tracks()
	assert.Same(t, audioBefore, audio, "audio must survive the swap untouched")
	assert.Equal(t, "screen-0", video.ID())

	require.NoError(t, m.Switch(context.Background(), SourceCamera, sender))
	assert.Equal(t, SourceCamera, m.Preview().Source)
	audio, video = m.Tracks()
	assert.Same(t, audioBefore, audio)
	assert.Same(t, capt.video, video)

	assert.Equal(t, []string{"screen-0", "cam-0"}, sender.replacedIDs())
	assert.True(t, capt.screens[0].isStopped(), "the abandoned screen capture must be stopped")
	assert.False(t, capt.video.isStopped(), "the camera track is kept for the next swap")
}

func TestSwitchToCurrentSourceIsNoop(t *testing.T) {
	m, capt := newAcquiredManager(t)
	sender := &stubSender{}

	require.NoError(t, m.Switch(context.Background(), SourceCamera, sender))
	assert.Empty(t, sender.replacedIDs())
	assert.Zero(t, capt.displayCalls)
}

func TestSwitchToScreenWithoutSenderFails(t *testing.T) {
	m, _ := newAcquiredManager(t)

	err := m.Switch(context.Background(), SourceScreen, nil)
	var shareErr *ScreenShareError
	require.True(t, errors.As(err, &shareErr))
	assert.Equal(t, SourceCamera, m.Preview().Source, "failed swap keeps the current source")
}

func TestSwitchToScreenCaptureFailureKeepsCamera(t *testing.T) {
	capt := &stubCapturer{}
	m := NewManager(capt, zap.NewNop())
	require.NoError(t, m.Acquire(context.Background()))
	capt.displayErr = errors.New("capture denied")

	err := m.Switch(context.Background(), SourceScreen, &stubSender{})
	var shareErr *ScreenShareError
	require.True(t, errors.As(err, &shareErr))
	assert.Equal(t, SourceCamera, m.Preview().Source)
}

func TestSwitchReplaceFailureStopsNewScreenTrack(t *testing.T) {
	m, capt := newAcquiredManager(t)
	sender := &stubSender{err: errors.New("sender gone")}

	err := m.Switch(context.Background(), SourceScreen, sender)
	var shareErr *ScreenShareError
	require.True(t, errors.As(err, &shareErr))
	require.Len(t, capt.screens, 1)
	assert.True(t, capt.screens[0].isStopped(), "the orphaned screen track must not leak")
	assert.Equal(t, SourceCamera, m.Preview().Source)
}

func TestSwitchToCameraWithoutCameraTrackIsNoop(t *testing.T) {
	capt := &stubCapturer{}
	m := NewManager(capt, zap.NewNop())
	m.active = SourceScreen

	sender := &stubSender{}
	require.NoError(t, m.Switch(context.Background(), SourceCamera, sender))
	assert.Empty(t, sender.replacedIDs())
}

func TestExternalScreenEndAutoReverts(t *testing.T) {
	m, capt := newAcquiredManager(t)
	sender := &stubSender{}
	var reverted []Preview
	m.OnAutoRevert(func(p Preview) { reverted = append(reverted, p) })

	require.NoError(t, m.Switch(context.Background(), SourceScreen, sender))
	capt.screens[0].endExternally()

	assert.Equal(t, SourceCamera, m.Preview().Source)
	assert.Equal(t, []string{"screen-0", "cam-0"}, sender.replacedIDs())
	assert.True(t, capt.screens[0].isStopped())
	require.Len(t, reverted, 1)
	assert.Equal(t, SourceCamera, reverted[0].Source)
}

func TestAutoRevertUsesRefreshedSender(t *testing.T) {
	m, capt := newAcquiredManager(t)
	stale := &stubSender{}
	require.NoError(t, m.Switch(context.Background(), SourceScreen, stale))

	// The session replaced its connection since the swap; the revert must
	// target the connection that now carries the outgoing video.
	current := &stubSender{}
	m.SetSender(current)
	capt.screens[0].endExternally()

	assert.Equal(t, []string{"screen-0"}, stale.replacedIDs())
	assert.Equal(t, []string{"cam-0"}, current.replacedIDs())
	assert.Equal(t, SourceCamera, m.Preview().Source)
}

func TestAutoRevertIgnoresStaleScreenTrack(t *testing.T) {
	m, capt := newAcquiredManager(t)
	sender := &stubSender{}

	require.NoError(t, m.Switch(context.Background(), SourceScreen, sender))
	stale := capt.screens[0]
	require.NoError(t, m.Switch(context.Background(), SourceCamera, sender))
	before := sender.replacedIDs()

	// The stale capture's end signal arrives after the user already
	// switched back; nothing may change.
	stale.endExternally()
	assert.Equal(t, before, sender.replacedIDs())
	assert.Equal(t, SourceCamera, m.Preview().Source)
}

func TestTogglesAreIndependent(t *testing.T) {
	m, _ := newAcquiredManager(t)

	assert.False(t, m.ToggleAudio())
	p := m.Preview()
	assert.False(t, p.AudioEnabled)
	assert.True(t, p.VideoEnabled)

	assert.False(t, m.ToggleVideo())
	assert.True(t, m.ToggleAudio())
	p = m.Preview()
	assert.True(t, p.AudioEnabled)
	assert.False(t, p.VideoEnabled)
}

func TestStopAllReleasesEveryTrack(t *testing.T) {
	m, capt := newAcquiredManager(t)
	require.NoError(t, m.Switch(context.Background(), SourceScreen, &stubSender{}))
	require.True(t, m.Live())

	m.StopAll()

	assert.True(t, capt.audio.isStopped())
	assert.True(t, capt.video.isStopped())
	assert.True(t, capt.screens[0].isStopped())
	assert.False(t, m.Live())
}
