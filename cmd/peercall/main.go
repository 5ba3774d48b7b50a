package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skillswap/peercall/internal/chat"
	"github.com/skillswap/peercall/internal/config"
	"github.com/skillswap/peercall/internal/media"
	"github.com/skillswap/peercall/internal/rtc"
	"github.com/skillswap/peercall/internal/session"
	"github.com/skillswap/peercall/internal/signaling"
)

// Application holds all wired components for one call attempt.
type Application struct {
	config *config.Config
	logger *zap.Logger
	engine *session.Engine
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	sessionID := flag.String("session", "", "session identifier to join (required)")
	flag.StringVar(&cfg.SignalURL, "addr", cfg.SignalURL, "signaling server URL")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to the peer")
	jsonLog := flag.Bool("json", false, "log as JSON instead of console output")
	flag.Parse()

	logger := newLogger(*jsonLog)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if *sessionID == "" {
		logger.Fatal("a -session identifier is required")
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	app, err := NewApplication(cfg, *sessionID, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.engine.Start(ctx); err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}
	fmt.Printf("joined session %s as %s\n", *sessionID, cfg.DisplayName)
	fmt.Println("commands: /screen /camera /mute /video /quit; anything else is chat")

	go app.commandLoop()

	select {
	case <-ctx.Done():
		app.engine.End()
	case <-app.engine.Done():
	}
	logger.Info("session closed")
}

func newLogger(jsonLog bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if jsonLog {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func NewApplication(cfg *config.Config, sessionID string, logger *zap.Logger) (*Application, error) {
	capturer, err := media.NewDeviceCapturer(media.CaptureSettings{
		Width:        cfg.VideoConfig.Width,
		Height:       cfg.VideoConfig.Height,
		FrameRate:    cfg.VideoConfig.Framerate,
		VideoBitRate: cfg.VideoConfig.BitRate,
		AudioBitRate: cfg.AudioConfig.BitRate,
		SampleRate:   cfg.AudioConfig.SampleRate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create capturer: %w", err)
	}

	tracks := media.NewManager(capturer, logger)

	client := signaling.NewClient(cfg.SignalURL, signaling.Options{
		DialMaxRetries:   cfg.Signaling.DialMaxRetries,
		ReconnectRetries: cfg.Signaling.ReconnectRetries,
		ReconnectDelay:   cfg.Signaling.ReconnectDelay,
		JoinRetryDelay:   cfg.Signaling.JoinRetryDelay,
	}, logger)

	newConn := func(audio, video media.Track) (session.MediaConn, error) {
		return rtc.New(rtc.Config{
			STUNURLs: cfg.STUNURLs,
			Selector: capturer.CodecSelector(),
		}, audio, video, logger)
	}

	engine := session.NewEngine(session.Config{
		SessionID:         sessionID,
		UserID:            uuid.NewString(),
		DisplayName:       cfg.DisplayName,
		PeerReturnTimeout: cfg.PeerReturnTimeout,
	}, client, tracks, newConn, logger)

	engine.OnState(func(s session.State) {
		fmt.Printf("* session state: %s\n", s)
	})
	engine.OnChat(func(msg chat.Message) {
		who := msg.Sender
		if msg.Self {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), who, msg.Text)
	})
	engine.OnPeerMedia(func(audio, video bool, peer session.ParticipantRef) {
		fmt.Printf("* %s: mic %s, camera %s\n", peer.DisplayName, onOff(audio), onOff(video))
	})
	engine.OnEnded(func(rec session.EndRecord) {
		fmt.Printf("* session ended by %s\n", rec.EndedBy.DisplayName)
	})
	engine.OnNotice(func(err error) {
		fmt.Printf("! %v\n", err)
	})
	engine.OnPreview(func(p media.Preview) {
		fmt.Printf("* local preview: %s video\n", p.Source)
	})

	return &Application{config: cfg, logger: logger, engine: engine}, nil
}

func (app *Application) commandLoop() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/screen":
			if err := app.engine.SwitchSource(media.SourceScreen); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/camera":
			if err := app.engine.SwitchSource(media.SourceCamera); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/mute":
			fmt.Printf("* mic %s\n", onOff(app.engine.ToggleAudio()))
		case "/video":
			fmt.Printf("* camera %s\n", onOff(app.engine.ToggleVideo()))
		case "/quit":
			app.engine.End()
			return
		default:
			app.engine.SendMessage(line)
		}
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
