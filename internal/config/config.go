package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	SignalURL   string        `mapstructure:"signal_url"`
	DisplayName string        `mapstructure:"display_name"`
	STUNURLs    []string      `mapstructure:"stun_urls"`
	VideoConfig VideoConfig   `mapstructure:"video"`
	AudioConfig AudioConfig   `mapstructure:"audio"`
	Signaling   SignalingConfig `mapstructure:"signaling"`

	// PeerReturnTimeout bounds how long a session waits for a transiently
	// departed peer. Zero waits indefinitely.
	PeerReturnTimeout time.Duration `mapstructure:"peer_return_timeout"`
}

type VideoConfig struct {
	Width     int     `mapstructure:"width"`
	Height    int     `mapstructure:"height"`
	Framerate float32 `mapstructure:"framerate"`
	BitRate   int     `mapstructure:"bitrate"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	BitRate    int `mapstructure:"bitrate"`
}

type SignalingConfig struct {
	DialMaxRetries   uint64        `mapstructure:"dial_max_retries"`
	ReconnectRetries uint64        `mapstructure:"reconnect_retries"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	JoinRetryDelay   time.Duration `mapstructure:"join_retry_delay"`
}

// Load reads configuration from an optional yaml file and PEERCALL_*
// environment variables, falling back to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("peercall")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("peercall")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("signal_url", "ws://localhost:7000/ws")
	v.SetDefault("display_name", "anonymous")
	v.SetDefault("stun_urls", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("video.width", 640)
	v.SetDefault("video.height", 480)
	v.SetDefault("video.framerate", 25)
	v.SetDefault("video.bitrate", 500_000)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.bitrate", 32_000)
	v.SetDefault("signaling.dial_max_retries", 5)
	v.SetDefault("signaling.reconnect_retries", 3)
	v.SetDefault("signaling.reconnect_delay", "2s")
	v.SetDefault("signaling.join_retry_delay", "700ms")
	v.SetDefault("peer_return_timeout", "0s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validator collects configuration problems so a bad config reports
// everything wrong at once.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate checks the full configuration.
func Validate(cfg *Config) error {
	v := &Validator{}

	if cfg.SignalURL == "" {
		v.AddError("signal_url is required")
	} else if u, err := url.Parse(cfg.SignalURL); err != nil {
		v.AddError("signal_url is not a valid URL: %v", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		v.AddError("signal_url must use ws:// or wss://, got %q", u.Scheme)
	}

	for _, s := range cfg.STUNURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			v.AddError("stun_urls entry %q must start with stun: or turn:", s)
		}
	}

	if cfg.VideoConfig.Width <= 0 || cfg.VideoConfig.Height <= 0 {
		v.AddError("video dimensions must be positive, got %dx%d",
			cfg.VideoConfig.Width, cfg.VideoConfig.Height)
	}
	if cfg.VideoConfig.Framerate <= 0 {
		v.AddError("video framerate must be positive, got %v", cfg.VideoConfig.Framerate)
	}
	if cfg.VideoConfig.BitRate <= 0 {
		v.AddError("video bitrate must be positive, got %d", cfg.VideoConfig.BitRate)
	}
	if cfg.AudioConfig.SampleRate <= 0 {
		v.AddError("audio sample rate must be positive, got %d", cfg.AudioConfig.SampleRate)
	}
	if cfg.PeerReturnTimeout < 0 {
		v.AddError("peer_return_timeout cannot be negative")
	}

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}
