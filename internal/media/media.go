package media

import (
	"context"
	"fmt"
)

// Source selects which device feeds the outgoing video track.
type Source int

const (
	SourceCamera Source = iota
	SourceScreen
)

func (s Source) String() string {
	switch s {
	case SourceCamera:
		return "camera"
	case SourceScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Track is the manager's view of one captured audio or video track.
type Track interface {
	ID() string
	Stop()
	// OnEnded registers a callback fired when the track stops out-of-band,
	// e.g. the user ends a screen capture from an OS dialog.
	OnEnded(func(error))
}

// Capturer opens local capture devices.
type Capturer interface {
	// CaptureUserMedia acquires the default source: camera video plus
	// microphone audio.
	CaptureUserMedia(ctx context.Context) (audio, video Track, err error)
	// CaptureDisplay acquires a screen-capture video track.
	CaptureDisplay(ctx context.Context) (Track, error)
}

// VideoSender replaces the outgoing video track in place on an established
// connection, without renegotiation.
type VideoSender interface {
	ReplaceVideoTrack(Track) error
}

// AcquisitionError means the camera or microphone could not be acquired.
// No session is usable without local media, so it is fatal to starting one.
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition failed: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ScreenShareError means a source switch could not be performed. It is
// non-fatal: the session continues on its current source.
type ScreenShareError struct {
	Reason string
	Err    error
}

func (e *ScreenShareError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("screen share: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("screen share: %s", e.Reason)
}

func (e *ScreenShareError) Unwrap() error { return e.Err }
