package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // This is required to register screen adapter - DON'T REMOVE
)

// CaptureSettings holds device capture parameters.
type CaptureSettings struct {
	Width        int
	Height       int
	FrameRate    float32
	VideoBitRate int
	AudioBitRate int
	SampleRate   int
}

// DefaultCaptureSettings mirrors settings known to work on modest webcams.
func DefaultCaptureSettings() CaptureSettings {
	return CaptureSettings{
		Width:        640,
		Height:       480,
		FrameRate:    25,
		VideoBitRate: 500_000,
		AudioBitRate: 32_000,
		SampleRate:   48000,
	}
}

// DeviceCapturer implements Capturer on top of pion/mediadevices.
type DeviceCapturer struct {
	settings CaptureSettings
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

func NewDeviceCapturer(settings CaptureSettings, logger *zap.Logger) (*DeviceCapturer, error) {
	if logger == nil {
		logger = zap.L()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = settings.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = settings.AudioBitRate
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	logger.Named("media").Info("codec selector configured",
		zap.Int("video_bitrate", settings.VideoBitRate),
		zap.Int("audio_bitrate", settings.AudioBitRate))

	return &DeviceCapturer{
		settings: settings,
		selector: selector,
		logger:   logger.Named("media"),
	}, nil
}

// CodecSelector exposes the selector so the peer connection's MediaEngine
// can register the same codecs.
func (d *DeviceCapturer) CodecSelector() *mediadevices.CodecSelector {
	return d.selector
}

func (d *DeviceCapturer) CaptureUserMedia(ctx context.Context) (Track, Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
			c.Width = prop.Int(d.settings.Width)
			c.Height = prop.Int(d.settings.Height)
			c.FrameRate = prop.Float(d.settings.FrameRate)
			c.DiscardFramesOlderThan = 500 * time.Millisecond
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(d.settings.SampleRate)
			c.SampleSize = prop.Int(16)
			c.ChannelCount = prop.Int(1)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(time.Millisecond * 50)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user media: %w", err)
	}

	audioTracks := stream.GetAudioTracks()
	videoTracks := stream.GetVideoTracks()
	if len(audioTracks) == 0 || len(videoTracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, nil, fmt.Errorf("user media stream missing tracks (audio=%d video=%d)",
			len(audioTracks), len(videoTracks))
	}

	return &deviceTrack{audioTracks[0]}, &deviceTrack{videoTracks[0]}, nil
}

func (d *DeviceCapturer) CaptureDisplay(ctx context.Context) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(d.settings.FrameRate)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get display media: %w", err)
	}

	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, fmt.Errorf("display media stream has no video track")
	}
	return &deviceTrack{videoTracks[0]}, nil
}

// deviceTrack adapts a mediadevices track to the manager's Track interface.
type deviceTrack struct {
	t mediadevices.Track
}

func (d *deviceTrack) ID() string { return d.t.ID() }

func (d *deviceTrack) Stop() {
	if err := d.t.Close(); err != nil {
		zap.L().Named("media").Debug("track close", zap.Error(err))
	}
}

func (d *deviceTrack) OnEnded(fn func(error)) { d.t.OnEnded(fn) }

// Unwrap returns the underlying mediadevices track for attachment to a
// peer connection.
func (d *deviceTrack) Unwrap() mediadevices.Track { return d.t }
