package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/skillswap/peercall/internal/chat"
	"github.com/skillswap/peercall/internal/media"
	"github.com/skillswap/peercall/internal/signaling"
)

// Signaler is the engine-facing surface of the signaling adapter.
type Signaler interface {
	Connect(ctx context.Context) error
	JoinSession(sessionID string)
	Send(kind signaling.Kind, payload any)
	Handle(kind signaling.Kind, fn signaling.Handler)
	OnError(fn func(error))
	Disconnect()
}

// Config identifies this participant and its session.
type Config struct {
	SessionID   string
	UserID      string
	DisplayName string

	// PeerReturnTimeout bounds how long the engine waits for a transiently
	// departed peer to come back before ending the session itself. Zero
	// waits indefinitely.
	PeerReturnTimeout time.Duration
}

// Engine is one session attempt's negotiation engine. Every entity it owns
// (candidate buffer, media tracks, connection, chat log) is created by Start
// and fully discarded on teardown; a new attempt needs a new Engine.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	signal  Signaler
	tracks  *media.Manager
	newConn ConnFactory

	events   chan event
	loopDone chan struct{}
	started  atomic.Bool
	ctx      context.Context

	// Loop-owned state. Only the run loop reads or writes these, so no
	// locking is needed inside handlers.
	state       State
	role        Role
	peer        ParticipantRef
	conn        MediaConn
	remoteDesc  bool
	pending     []webrtc.ICECandidateInit
	ended       bool
	endRecord   *EndRecord
	returnTimer *time.Timer

	chatLog *chat.Log

	// Notification callbacks, set before Start.
	onState       func(State)
	onChat        func(chat.Message)
	onPeerMedia   func(audio, video bool, peer ParticipantRef)
	onEnded       func(EndRecord)
	onNotice      func(error)
	onPreview     func(media.Preview)
	onRemoteTrack func(*webrtc.TrackRemote)
}

func NewEngine(cfg Config, signal Signaler, tracks *media.Manager, newConn ConnFactory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.Named("session").With(zap.String("session_id", cfg.SessionID)),
		signal:   signal,
		tracks:   tracks,
		newConn:  newConn,
		events:   make(chan event, 64),
		loopDone: make(chan struct{}),
		state:    StateNew,
		chatLog:  chat.NewLog(),
	}
}

// OnState registers the sink for state transitions.
func (e *Engine) OnState(fn func(State)) { e.onState = fn }

// OnChat registers the sink for appended chat messages, local and remote.
func (e *Engine) OnChat(fn func(chat.Message)) { e.onChat = fn }

// OnPeerMedia registers the sink for the peer's mute/camera indicators.
func (e *Engine) OnPeerMedia(fn func(audio, video bool, peer ParticipantRef)) { e.onPeerMedia = fn }

// OnEnded registers the sink fired when the remote side ends the session.
// A locally initiated End does not fire it.
func (e *Engine) OnEnded(fn func(EndRecord)) { e.onEnded = fn }

// OnNotice registers the sink for non-fatal, user-visible errors.
func (e *Engine) OnNotice(fn func(error)) { e.onNotice = fn }

// OnPreview registers the sink for local preview changes.
func (e *Engine) OnPreview(fn func(media.Preview)) { e.onPreview = fn }

// OnRemoteTrack registers the sink for inbound remote media tracks.
func (e *Engine) OnRemoteTrack(fn func(*webrtc.TrackRemote)) { e.onRemoteTrack = fn }

// Start sequences local media acquisition, media connection creation,
// signaling connect, and the session join. Each step's failure is returned
// with a step-specific cause and releases whatever the prior steps acquired.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}

	if err := e.init(ctx); err != nil {
		return err
	}

	if err := e.signal.Connect(ctx); err != nil {
		e.conn.Close()
		e.conn = nil
		e.tracks.StopAll()
		return fmt.Errorf("connect signaling: %w", err)
	}

	e.setState(StateJoining)
	go e.run()
	e.signal.JoinSession(e.cfg.SessionID)
	return nil
}

// init acquires local media, builds the media connection, and registers the
// signaling handlers. Failures release whatever was already acquired.
func (e *Engine) init(ctx context.Context) error {
	e.ctx = ctx

	if err := e.tracks.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}

	audio, video := e.tracks.Tracks()
	conn, err := e.newConn(audio, video)
	if err != nil {
		e.tracks.StopAll()
		return &NegotiationError{Op: "create connection", Err: err}
	}
	e.conn = conn
	e.bindConn(conn)

	e.tracks.OnAutoRevert(func(p media.Preview) {
		if e.onPreview != nil {
			e.onPreview(p)
		}
	})

	e.registerHandlers()
	e.signal.OnError(func(err error) { e.post(evChannelError{err: err}) })
	return nil
}

// End tears the session down: local tracks stopped, media connection closed,
// the peer notified, the signaling channel released. Idempotent; individual
// teardown steps tolerate failure so the call always completes.
func (e *Engine) End() {
	if !e.started.Load() {
		return
	}
	done := make(chan struct{})
	if !e.post(cmdEnd{done: done}) {
		return
	}
	select {
	case <-done:
	case <-e.loopDone:
	}
}

// SwitchSource hot-swaps the outgoing video between camera and screen
// capture. Errors are ScreenShareError: non-fatal, the call continues on the
// current source.
func (e *Engine) SwitchSource(source media.Source) error {
	resp := make(chan error, 1)
	if !e.post(cmdSwitchSource{source: source, resp: resp}) {
		return &media.ScreenShareError{Reason: "session ended"}
	}
	select {
	case err := <-resp:
		return err
	case <-e.loopDone:
		return &media.ScreenShareError{Reason: "session ended"}
	}
}

// ToggleAudio flips the microphone's enabled flag and announces the new
// media state to the peer.
func (e *Engine) ToggleAudio() bool {
	enabled := e.tracks.ToggleAudio()
	e.announceMediaState()
	return enabled
}

// ToggleVideo flips the camera's enabled flag and announces the new media
// state to the peer.
func (e *Engine) ToggleVideo() bool {
	enabled := e.tracks.ToggleVideo()
	e.announceMediaState()
	return enabled
}

func (e *Engine) announceMediaState() {
	p := e.tracks.Preview()
	e.signal.Send(signaling.KindMediaState, signaling.MediaStatePayload{
		Audio: p.AudioEnabled,
		Video: p.VideoEnabled,
		From:  e.cfg.UserID,
	})
}

// SendMessage appends text to the chat log and transmits it. Empty or
// whitespace-only text is ignored without error; the local append is
// optimistic, not contingent on delivery.
func (e *Engine) SendMessage(text string) {
	msg, ok := e.chatLog.AppendSelf(text, e.cfg.DisplayName)
	if !ok {
		return
	}
	e.signal.Send(signaling.KindChatMessage, signaling.ChatMessagePayload{
		Message:   msg.Text,
		From:      signaling.Participant{UserID: e.cfg.UserID, DisplayName: e.cfg.DisplayName},
		Timestamp: msg.Timestamp,
	})
	if e.onChat != nil {
		e.onChat(msg)
	}
}

// Chat returns the session's message log.
func (e *Engine) Chat() *chat.Log { return e.chatLog }

// Done is closed once the engine has torn down.
func (e *Engine) Done() <-chan struct{} { return e.loopDone }

// Preview returns the current local preview composition.
func (e *Engine) Preview() media.Preview { return e.tracks.Preview() }

// EndRecord returns the termination record, or nil while the session lives.
func (e *Engine) EndRecord() *EndRecord { return e.endRecord }

func (e *Engine) self() signaling.Participant {
	return signaling.Participant{UserID: e.cfg.UserID, DisplayName: e.cfg.DisplayName}
}

// post delivers an event to the run loop. Returns false once the loop has
// shut down; late events are dropped.
func (e *Engine) post(ev event) bool {
	select {
	case <-e.loopDone:
		return false
	default:
	}
	select {
	case e.events <- ev:
		return true
	case <-e.loopDone:
		return false
	}
}

func (e *Engine) run() {
	for {
		select {
		case ev := <-e.events:
			e.handle(ev)
			if e.ended {
				return
			}
		case <-e.loopDone:
			return
		}
	}
}

// handle is the single dispatch routine. It runs only on the loop goroutine,
// so handlers mutate state without locking and each runs to completion
// before the next is dispatched.
func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case evJoined:
		e.handleJoined(ev.p)
	case evPeerJoined:
		e.handlePeerJoined(ev.p)
	case evPeerLeft:
		e.handlePeerLeft(ev.p)
	case evReady:
		e.handleReady(ev.p)
	case evOffer:
		e.handleOffer(ev.p)
	case evAnswer:
		e.handleAnswer(ev.p)
	case evCandidate:
		e.handleCandidate(ev.p)
	case evLocalCandidate:
		e.signal.Send(signaling.KindICECandidate, signaling.CandidatePayload{
			Candidate: ev.c,
			From:      e.cfg.UserID,
		})
	case evConnState:
		e.handleConnState(ev.s)
	case evPeerMedia:
		if e.onPeerMedia != nil {
			e.onPeerMedia(ev.p.Audio, ev.p.Video, e.peer)
		}
	case evChat:
		msg := e.chatLog.AppendPeer(ev.p.Message, ev.p.From.DisplayName, ev.p.Timestamp)
		if e.onChat != nil {
			e.onChat(msg)
		}
	case evRemoteEnded:
		e.handleRemoteEnded(ev.p)
	case evChannelError:
		e.notice(ev.err)
	case cmdEnd:
		e.teardown(EndRecord{
			EndedBy: ParticipantRef{UserID: e.cfg.UserID, DisplayName: e.cfg.DisplayName},
			Local:   true,
		})
		close(ev.done)
	case cmdSwitchSource:
		ev.resp <- e.switchSource(ev.source)
	}
}

func (e *Engine) handleJoined(p signaling.SessionJoinedPayload) {
	if e.state != StateJoining && e.state != StateNew {
		// Duplicate join ack (the adapter retransmits the join request).
		return
	}
	if p.IsInitiator {
		e.role = RoleInitiator
	} else {
		e.role = RoleResponder
	}
	for _, part := range p.Participants {
		if part.UserID != e.cfg.UserID {
			e.peer = ParticipantRef{UserID: part.UserID, DisplayName: part.DisplayName}
		}
	}
	e.logger.Info("session membership confirmed", zap.String("role", e.role.String()))
	e.setState(StateRoleAssigned)
}

func (e *Engine) handlePeerJoined(p signaling.PresencePayload) {
	e.peer = ParticipantRef{UserID: p.UserID, DisplayName: p.DisplayName}
	e.stopReturnTimer()
	e.logger.Info("peer joined", zap.String("peer", p.UserID))
}

// handlePeerLeft resets negotiation state but leaves the session live: a
// peer leaving transiently (e.g. a reload) is distinct from a peer
// explicitly ending the session, so no EndRecord is produced here.
func (e *Engine) handlePeerLeft(p signaling.PresencePayload) {
	e.logger.Info("peer left, awaiting return", zap.String("peer", p.UserID))
	e.resetNegotiation()
	e.setState(StateDisconnected)

	if e.cfg.PeerReturnTimeout > 0 {
		e.stopReturnTimer()
		e.returnTimer = time.AfterFunc(e.cfg.PeerReturnTimeout, func() {
			e.logger.Info("peer did not return, ending session")
			e.End()
		})
	}
}

func (e *Engine) handleReady(p signaling.ReadyToConnectPayload) {
	if e.state == StateNegotiating || e.state == StateConnected {
		// The bus is at-least-once; a redelivered readiness signal must not
		// restart an exchange already in flight.
		return
	}
	e.stopReturnTimer()
	for _, part := range p.Participants {
		if part.UserID != e.cfg.UserID {
			e.peer = ParticipantRef{UserID: part.UserID, DisplayName: part.DisplayName}
		}
	}
	e.setState(StateNegotiating)

	if e.role != RoleInitiator {
		// The responder waits for the inbound offer.
		return
	}
	if err := e.ensureConn(); err != nil {
		e.notice(&NegotiationError{Op: "create connection", Err: err})
		return
	}
	offer, err := e.conn.CreateOffer()
	if err != nil {
		e.notice(&NegotiationError{Op: "create offer", Err: err})
		return
	}
	e.signal.Send(signaling.KindOffer, signaling.DescriptorPayload{
		Descriptor: offer,
		From:       e.self(),
	})
	e.logger.Info("offer sent")
}

func (e *Engine) handleOffer(p signaling.DescriptorPayload) {
	e.stopReturnTimer()
	e.peer = ParticipantRef{UserID: p.From.UserID, DisplayName: p.From.DisplayName}
	if err := e.ensureConn(); err != nil {
		e.notice(&NegotiationError{Op: "create connection", Err: err})
		return
	}
	if err := e.conn.ApplyRemote(p.Descriptor); err != nil {
		e.notice(&NegotiationError{Op: "apply offer", Err: err})
		return
	}
	e.remoteDesc = true
	if e.state != StateConnected {
		e.setState(StateNegotiating)
	}

	answer, err := e.conn.CreateAnswer()
	if err != nil {
		e.notice(&NegotiationError{Op: "create answer", Err: err})
		return
	}
	e.signal.Send(signaling.KindAnswer, signaling.DescriptorPayload{
		Descriptor: answer,
		From:       e.self(),
	})
	e.logger.Info("answer sent")
	e.flushCandidates()
}

func (e *Engine) handleAnswer(p signaling.DescriptorPayload) {
	if e.conn == nil {
		e.notice(&NegotiationError{Op: "apply answer", Err: fmt.Errorf("no active connection")})
		return
	}
	if err := e.conn.ApplyRemote(p.Descriptor); err != nil {
		e.notice(&NegotiationError{Op: "apply answer", Err: err})
		return
	}
	e.remoteDesc = true
	e.flushCandidates()
}

// handleCandidate applies a remote candidate immediately once the remote
// descriptor for the current negotiation attempt exists; earlier arrivals
// queue in FIFO order. Candidate discovery and signaling race independently,
// so a candidate legitimately can beat its matching offer or answer here.
func (e *Engine) handleCandidate(p signaling.CandidatePayload) {
	if !e.remoteDesc || e.conn == nil {
		e.pending = append(e.pending, p.Candidate)
		e.logger.Debug("candidate buffered", zap.Int("pending", len(e.pending)))
		return
	}
	if err := e.conn.AddCandidate(p.Candidate); err != nil {
		e.logger.Warn("apply candidate", zap.Error(err))
	}
}

func (e *Engine) flushCandidates() {
	if len(e.pending) == 0 {
		return
	}
	e.logger.Info("flushing buffered candidates", zap.Int("count", len(e.pending)))
	for _, c := range e.pending {
		if err := e.conn.AddCandidate(c); err != nil {
			e.logger.Warn("apply buffered candidate", zap.Error(err))
		}
	}
	e.pending = nil
}

func (e *Engine) handleConnState(s webrtc.PeerConnectionState) {
	e.logger.Info("connection state", zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateConnected:
		e.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		e.setState(StateFailed)
		e.notice(&NegotiationError{Op: "connectivity", Err: fmt.Errorf("peer connection failed")})
	}
}

func (e *Engine) handleRemoteEnded(p signaling.SessionEndedPayload) {
	if e.ended {
		return
	}
	rec := EndRecord{
		EndedBy: ParticipantRef{UserID: p.EndedBy.UserID, DisplayName: p.EndedBy.DisplayName},
	}
	e.teardown(rec)
	if e.onEnded != nil {
		e.onEnded(rec)
	}
}

func (e *Engine) switchSource(source media.Source) error {
	if e.conn == nil {
		return &media.ScreenShareError{Reason: "no active connection to attach to"}
	}
	if err := e.tracks.Switch(e.ctx, source, e.conn); err != nil {
		return err
	}
	if e.onPreview != nil {
		e.onPreview(e.tracks.Preview())
	}
	return nil
}

// resetNegotiation clears per-attempt negotiation state: the candidate
// buffer, the remote-descriptor flag, and the media connection itself.
func (e *Engine) resetNegotiation() {
	e.pending = nil
	e.remoteDesc = false
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.tracks.SetSender(nil)
}

// ensureConn rebuilds the media connection after a reset, carrying the
// current local tracks.
func (e *Engine) ensureConn() error {
	if e.conn != nil {
		return nil
	}
	audio, video := e.tracks.Tracks()
	conn, err := e.newConn(audio, video)
	if err != nil {
		return err
	}
	e.conn = conn
	e.bindConn(conn)
	return nil
}

func (e *Engine) bindConn(conn MediaConn) {
	e.tracks.SetSender(conn)
	conn.OnCandidate(func(c webrtc.ICECandidateInit) {
		// Locally discovered candidates go out immediately, never buffered.
		e.post(evLocalCandidate{c: c})
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		e.post(evConnState{s: s})
	})
	conn.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		if e.onRemoteTrack != nil {
			e.onRemoteTrack(t)
		}
	})
}

// teardown runs the full termination sequence. Individual step failures are
// ignored so termination always completes; exactly one EndRecord is
// produced per attempt.
func (e *Engine) teardown(rec EndRecord) {
	if e.ended {
		return
	}
	e.ended = true
	e.endRecord = &rec
	e.stopReturnTimer()

	e.tracks.StopAll()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.pending = nil
	e.remoteDesc = false
	if rec.Local {
		e.signal.Send(signaling.KindEndSession, signaling.EndSessionPayload{SessionID: e.cfg.SessionID})
	}
	e.signal.Disconnect()

	e.setState(StateDisconnected)
	e.logger.Info("session ended",
		zap.Bool("local", rec.Local),
		zap.String("ended_by", rec.EndedBy.UserID))
	close(e.loopDone)
}

func (e *Engine) stopReturnTimer() {
	if e.returnTimer != nil {
		e.returnTimer.Stop()
		e.returnTimer = nil
	}
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	if e.onState != nil {
		e.onState(s)
	}
}

func (e *Engine) notice(err error) {
	e.logger.Warn("notice", zap.Error(err))
	if e.onNotice != nil {
		e.onNotice(err)
	}
}

// registerHandlers decodes each inbound signaling event into its tagged
// variant and posts it to the run loop.
func (e *Engine) registerHandlers() {
	e.signal.Handle(signaling.KindSessionJoined, func(env signaling.Envelope) {
		var p signaling.SessionJoinedPayload
		if e.decode(env, &p) {
			e.post(evJoined{p: p})
		}
	})
	e.signal.Handle(signaling.KindUserJoined, func(env signaling.Envelope) {
		var p signaling.PresencePayload
		if e.decode(env, &p) {
			e.post(evPeerJoined{p: p})
		}
	})
	e.signal.Handle(signaling.KindUserLeft, func(env signaling.Envelope) {
		var p signaling.PresencePayload
		if e.decode(env, &p) {
			e.post(evPeerLeft{p: p})
		}
	})
	e.signal.Handle(signaling.KindReadyToConnect, func(env signaling.Envelope) {
		var p signaling.ReadyToConnectPayload
		if e.decode(env, &p) {
			e.post(evReady{p: p})
		}
	})
	e.signal.Handle(signaling.KindOffer, func(env signaling.Envelope) {
		var p signaling.DescriptorPayload
		if e.decode(env, &p) {
			e.post(evOffer{p: p})
		}
	})
	e.signal.Handle(signaling.KindAnswer, func(env signaling.Envelope) {
		var p signaling.DescriptorPayload
		if e.decode(env, &p) {
			e.post(evAnswer{p: p})
		}
	})
	e.signal.Handle(signaling.KindICECandidate, func(env signaling.Envelope) {
		var p signaling.CandidatePayload
		if e.decode(env, &p) {
			e.post(evCandidate{p: p})
		}
	})
	e.signal.Handle(signaling.KindMediaState, func(env signaling.Envelope) {
		var p signaling.MediaStatePayload
		if e.decode(env, &p) {
			e.post(evPeerMedia{p: p})
		}
	})
	e.signal.Handle(signaling.KindChatMessage, func(env signaling.Envelope) {
		var p signaling.ChatMessagePayload
		if e.decode(env, &p) {
			e.post(evChat{p: p})
		}
	})
	e.signal.Handle(signaling.KindSessionEnded, func(env signaling.Envelope) {
		var p signaling.SessionEndedPayload
		if e.decode(env, &p) {
			e.post(evRemoteEnded{p: p})
		}
	})
	e.signal.Handle(signaling.KindError, func(env signaling.Envelope) {
		var p signaling.ErrorPayload
		if e.decode(env, &p) {
			e.post(evChannelError{err: &signaling.ConnectivityError{
				Op:  "relay",
				Err: fmt.Errorf("%s", p.Message),
			}})
		}
	})
}

func (e *Engine) decode(env signaling.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		e.logger.Warn("bad payload", zap.String("event", string(env.Event)), zap.Error(err))
		return false
	}
	return true
}
