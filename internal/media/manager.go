package media

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Preview mirrors what the local UI renders: the active video source plus
// the original audio source, with each track's current enabled flag.
type Preview struct {
	Audio        Track
	Video        Track
	AudioEnabled bool
	VideoEnabled bool
	Source       Source
}

// Manager owns the local capture tracks for one session attempt: it acquires
// camera+microphone media, hot-swaps the outgoing video between camera and
// screen capture, and keeps the preview consistent with the active source.
type Manager struct {
	capturer Capturer
	logger   *zap.Logger

	mu           sync.Mutex
	audio        Track
	cameraVideo  Track
	screenVideo  Track
	active       Source
	audioEnabled bool
	videoEnabled bool
	sender       VideoSender

	onAutoRevert func(Preview)
}

func NewManager(capturer Capturer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		capturer: capturer,
		logger:   logger.Named("media"),
		active:   SourceCamera,
	}
}

// OnAutoRevert registers a callback fired when an externally stopped screen
// capture forces the manager back to the camera source.
func (m *Manager) OnAutoRevert(fn func(Preview)) {
	m.mu.Lock()
	m.onAutoRevert = fn
	m.mu.Unlock()
}

// SetSender points in-place track replacement at the connection currently
// carrying the outgoing video. The session rebuilds its connection after a
// transient peer loss, so the sender captured at switch time can go stale;
// it must be refreshed on every bind. A nil sender disables replacement
// until the next bind.
func (m *Manager) SetSender(sender VideoSender) {
	m.mu.Lock()
	m.sender = sender
	m.mu.Unlock()
}

// Acquire requests camera video and microphone audio, the session's default
// source. Failure is fatal to starting a session.
func (m *Manager) Acquire(ctx context.Context) error {
	audio, video, err := m.capturer.CaptureUserMedia(ctx)
	if err != nil {
		return &AcquisitionError{Err: err}
	}

	m.mu.Lock()
	m.audio = audio
	m.cameraVideo = video
	m.active = SourceCamera
	m.audioEnabled = true
	m.videoEnabled = true
	m.mu.Unlock()

	m.logger.Info("local media acquired",
		zap.String("audio_track", audio.ID()),
		zap.String("video_track", video.ID()))
	return nil
}

// Tracks returns the audio track and the currently active video track, for
// attaching to a new connection.
func (m *Manager) Tracks() (audio, video Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio, m.activeVideoLocked()
}

func (m *Manager) activeVideoLocked() Track {
	if m.active == SourceScreen {
		return m.screenVideo
	}
	return m.cameraVideo
}

// Switch replaces the outgoing video track in place on sender. The audio
// track is never touched and no renegotiation happens. Switching to the
// camera when no camera track was ever acquired is a no-op.
func (m *Manager) Switch(ctx context.Context, source Source, sender VideoSender) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if source == m.active {
		return nil
	}

	switch source {
	case SourceScreen:
		return m.switchToScreenLocked(ctx, sender)
	case SourceCamera:
		return m.switchToCameraLocked(sender)
	default:
		return &ScreenShareError{Reason: "unknown source"}
	}
}

func (m *Manager) switchToScreenLocked(ctx context.Context, sender VideoSender) error {
	if sender == nil {
		return &ScreenShareError{Reason: "no active connection to attach to"}
	}

	track, err := m.capturer.CaptureDisplay(ctx)
	if err != nil {
		return &ScreenShareError{Reason: "display capture failed", Err: err}
	}
	if err := sender.ReplaceVideoTrack(track); err != nil {
		track.Stop()
		return &ScreenShareError{Reason: "track replacement failed", Err: err}
	}

	m.screenVideo = track
	m.active = SourceScreen
	m.sender = sender

	// The browser/OS can end a screen capture out-of-band; the outgoing
	// track must not be left dangling on a stopped source.
	track.OnEnded(func(error) { m.autoRevert(track) })

	m.logger.Info("switched video source", zap.String("source", "screen"))
	return nil
}

func (m *Manager) switchToCameraLocked(sender VideoSender) error {
	if m.cameraVideo == nil {
		return nil
	}
	if sender == nil {
		return &ScreenShareError{Reason: "no active connection to attach to"}
	}
	if err := sender.ReplaceVideoTrack(m.cameraVideo); err != nil {
		return &ScreenShareError{Reason: "track replacement failed", Err: err}
	}

	if m.screenVideo != nil {
		m.screenVideo.Stop()
		m.screenVideo = nil
	}
	m.active = SourceCamera
	m.sender = sender

	m.logger.Info("switched video source", zap.String("source", "camera"))
	return nil
}

func (m *Manager) autoRevert(ended Track) {
	m.mu.Lock()
	if m.active != SourceScreen || m.screenVideo != ended {
		m.mu.Unlock()
		return
	}
	if m.cameraVideo != nil && m.sender != nil {
		if err := m.sender.ReplaceVideoTrack(m.cameraVideo); err != nil {
			m.logger.Warn("revert to camera failed", zap.Error(err))
		}
	}
	m.screenVideo = nil
	m.active = SourceCamera
	fn := m.onAutoRevert
	preview := m.previewLocked()
	m.mu.Unlock()

	ended.Stop()
	m.logger.Info("screen capture ended externally, reverted to camera")
	if fn != nil {
		fn(preview)
	}
}

// ToggleAudio flips the audio enabled flag and returns the new value. Only
// the flag changes; the track itself is not replaced.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = !m.audioEnabled
	return m.audioEnabled
}

// ToggleVideo flips the video enabled flag and returns the new value.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoEnabled = !m.videoEnabled
	return m.videoEnabled
}

// Preview returns the locally displayed stream composition.
func (m *Manager) Preview() Preview {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previewLocked()
}

func (m *Manager) previewLocked() Preview {
	return Preview{
		Audio:        m.audio,
		Video:        m.activeVideoLocked(),
		AudioEnabled: m.audioEnabled,
		VideoEnabled: m.videoEnabled,
		Source:       m.active,
	}
}

// StopAll stops every live track. Called on session teardown; errors from
// individual tracks are ignored so teardown always completes.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range []Track{m.audio, m.cameraVideo, m.screenVideo} {
		if t != nil {
			t.Stop()
		}
	}
	m.audio = nil
	m.cameraVideo = nil
	m.screenVideo = nil
	m.sender = nil
	m.active = SourceCamera
	m.audioEnabled = false
	m.videoEnabled = false
}

// Live reports whether any local track is still active.
func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio != nil || m.cameraVideo != nil || m.screenVideo != nil
}
