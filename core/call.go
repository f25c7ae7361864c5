package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type CallState int

const (
	CallIdle CallState = iota
	CallOutgoingSetup
	CallOfferSent
	CallIncomingRinging
	CallAnswerSent
	CallConnected
	CallFailed
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOutgoingSetup:
		return "outgoing_setup"
	case CallOfferSent:
		return "offer_sent"
	case CallIncomingRinging:
		return "incoming_ringing"
	case CallAnswerSent:
		return "answer_sent"
	case CallConnected:
		return "connected"
	case CallFailed:
		return "failed"
	case CallEnded:
		return "ended"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

func (s CallState) Terminal() bool {
	return s == CallFailed || s == CallEnded
}

type CallType string

const (
	AudioCall CallType = "audio"
	VideoCall CallType = "video"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalIceCandidate SignalType = "ice-candidate"
	SignalCallDeclined SignalType = "call-declined"
	SignalCallEnded    SignalType = "call-ended"
)

// Signal is the signal object of a signal event. SDP and Candidate are
// opaque to the controller and handed to the peer connection as they are.
type Signal struct {
	Type      SignalType      `json:"type"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	CallType  CallType        `json:"call_type,omitempty"`
	// Target routes the signal to a user directly instead of the whole room.
	Target string `json:"target,omitempty"`
}

// DecodeSignal decodes the payload of an inbound signal event.
func DecodeSignal(raw []byte) (string, Signal, error) {
	from := gjson.GetBytes(raw, "from").String()
	s := gjson.GetBytes(raw, "signal")
	if !s.IsObject() {
		return from, Signal{}, NewAbsorbedError(ErrSignalingProtocol, "signal without signal object")
	}
	sig := Signal{
		Type:     SignalType(s.Get("type").String()),
		CallType: CallType(s.Get("call_type").String()),
		Target:   s.Get("target").String(),
	}
	if v := s.Get("sdp"); v.Exists() {
		sig.SDP = json.RawMessage(v.Raw)
	}
	if v := s.Get("candidate"); v.Exists() {
		sig.Candidate = json.RawMessage(v.Raw)
	}
	if sig.Type == "" {
		return from, sig, NewAbsorbedError(ErrSignalingProtocol, "signal without type")
	}
	return from, sig, nil
}

// PeerState is a connection state reported by the native peer connection.
type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// MediaStream is a local or remote media stream owned by the media layer.
type MediaStream interface {
	Close() error
}

// MediaProvider acquires local capture. Acquire fails with ErrPermissionDenied
// when the user refuses access.
type MediaProvider interface {
	Acquire(ctx context.Context, t CallType) (MediaStream, error)
}

// PeerConnection is the native peer connection of one call session. Its
// methods may block and are never called concurrently.
type PeerConnection interface {
	CreateOffer(ctx context.Context, local MediaStream) (json.RawMessage, error)
	CreateAnswer(ctx context.Context, offer json.RawMessage, local MediaStream) (json.RawMessage, error)
	HandleAnswer(ctx context.Context, answer json.RawMessage) error
	AddIceCandidate(ctx context.Context, candidate json.RawMessage) error
	Close() error
}

// PeerFactory creates the peer connection of a session. The connection reports
// its events back through the controller's Handle methods with sessionID.
type PeerFactory interface {
	NewPeer(ctx context.Context, sessionID string, t CallType) (PeerConnection, error)
}

type SignalSender interface {
	SendSignal(sig Signal) error
}

// CallObserver is told about everything the call screen shows.
type CallObserver interface {
	IncomingCall(sessionID, from string, t CallType)
	CallStateChanged(sessionID string, state CallState)
	CallDuration(sessionID string, d time.Duration)
	RemoteStream(sessionID string, stream MediaStream)
	CallError(sessionID string, err error)
}

// NopCallObserver ignores every call event.
type NopCallObserver struct{}

func (NopCallObserver) IncomingCall(string, string, CallType) {}
func (NopCallObserver) CallStateChanged(string, CallState)    {}
func (NopCallObserver) CallDuration(string, time.Duration)    {}
func (NopCallObserver) RemoteStream(string, MediaStream)      {}
func (NopCallObserver) CallError(string, error)               {}

type CallConfig struct {
	AnswerTimeout time.Duration `mapstructure:"answer_timeout" validate:"gt=0"`
	RingTimeout   time.Duration `mapstructure:"ring_timeout" validate:"gt=0"`
	TickInterval  time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
}

var DefaultCallConfig = CallConfig{
	AnswerTimeout: 45 * time.Second,
	RingTimeout:   45 * time.Second,
	TickInterval:  time.Second,
}

// CallSession is one call attempt. It is discarded once it reaches Ended.
type CallSession struct {
	ID       string
	Type     CallType
	Outgoing bool
	Remote   string

	state CallState
	peer  PeerConnection
	media MediaStream
	// the offer of the call, sent or received, and the received answer
	offer  json.RawMessage
	answer json.RawMessage
	// remoteKnows is set once the remote side has heard of the call
	remoteKnows bool

	pendingIce []json.RawMessage
	seenIce    map[string]struct{}
	iceReady   bool

	answerTimer Timer
	ringTimer   Timer
	ticker      Timer
	connectedAt time.Time

	ops    []func(context.Context) func()
	opBusy bool
}

func (s *CallSession) State() CallState {
	return s.state
}

// CallController drives the call state machine of one room. At most one
// session is active at a time. It is not safe for concurrent use; the room
// session calls it from its loop only.
type CallController struct {
	self     string
	remote   string
	sched    Scheduler
	peers    PeerFactory
	media    MediaProvider
	signals  SignalSender
	observer CallObserver
	cfg      CallConfig
	logger   *slog.Logger
	metrics  *Metrics

	session *CallSession
	// offer of the last discarded session, so a re-delivered offer does not ring again
	lastOffer string
}

func NewCallController(self, remote string, sched Scheduler, peers PeerFactory, media MediaProvider,
	signals SignalSender, observer CallObserver, cfg CallConfig, logger *slog.Logger, metrics *Metrics) *CallController {
	if observer == nil {
		observer = NopCallObserver{}
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultCallConfig.AnswerTimeout
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultCallConfig.RingTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultCallConfig.TickInterval
	}
	return &CallController{
		self:     self,
		remote:   remote,
		sched:    sched,
		peers:    peers,
		media:    media,
		signals:  signals,
		observer: observer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "call")),
		metrics:  metrics,
	}
}

// State returns the state of the active session, Idle when there is none.
func (c *CallController) State() CallState {
	if c.session == nil {
		return CallIdle
	}
	return c.session.state
}

// Session returns the active session, or nil.
func (c *CallController) Session() *CallSession {
	return c.session
}

func (c *CallController) live(s *CallSession) bool {
	return s != nil && c.session == s && !s.state.Terminal()
}

func (c *CallController) transition(s *CallSession, to CallState) {
	from := s.state
	s.state = to
	c.metrics.callTransition(to)
	c.logger.Info("call state", slog.String("session", s.ID),
		slog.String("from", from.String()), slog.String("to", to.String()))
	c.observer.CallStateChanged(s.ID, to)
}

func (c *CallController) newSession(outgoing bool, t CallType) *CallSession {
	if t == "" {
		t = VideoCall
	}
	s := &CallSession{
		ID:       uuid.NewString(),
		Type:     t,
		Outgoing: outgoing,
		Remote:   c.remote,
		state:    CallIdle,
		seenIce:  make(map[string]struct{}),
	}
	c.session = s
	return s
}

// StartCall starts an outgoing call. An active session is torn down first.
func (c *CallController) StartCall(t CallType) {
	if s := c.session; s != nil {
		c.logger.Info("starting a call while another is active, ending it", slog.String("session", s.ID))
		c.finish(s, SignalCallEnded)
	}
	s := c.newSession(true, t)

	c.sched.Async(func(ctx context.Context) func() {
		media, err := c.media.Acquire(ctx, s.Type)
		return func() {
			if !c.live(s) {
				closeMedia(media)
				return
			}
			if err != nil {
				c.abortSetup(s, err)
				return
			}
			s.media = media
			c.transition(s, CallOutgoingSetup)
			c.createOffer(s)
		}
	})
}

// abortSetup discards a session that never left Idle.
func (c *CallController) abortSetup(s *CallSession, err error) {
	if errors.Is(err, ErrPermissionDenied) {
		err = NewSurfacedError(ErrPermissionDenied, err.Error())
	}
	c.logger.Warn("call setup aborted", slog.String("session", s.ID), slog.String("error", err.Error()))
	c.session = nil
	c.observer.CallError(s.ID, err)
}

func (c *CallController) createOffer(s *CallSession) {
	peer, err := c.peers.NewPeer(context.Background(), s.ID, s.Type)
	if err != nil {
		c.fail(s, fmt.Errorf("NewPeer: %w", err), "")
		return
	}
	s.peer = peer
	media := s.media
	c.runPeer(s, func(ctx context.Context) func() {
		offer, err := peer.CreateOffer(ctx, media)
		return func() {
			if err != nil {
				c.fail(s, fmt.Errorf("CreateOffer: %w", err), "")
				return
			}
			s.offer = offer
			if err := c.send(s, Signal{Type: SignalOffer, SDP: offer, CallType: s.Type}); err != nil {
				c.fail(s, fmt.Errorf("send offer: %w", err), "")
				return
			}
			s.remoteKnows = true
			c.transition(s, CallOfferSent)
			s.answerTimer = c.sched.AfterFunc(c.cfg.AnswerTimeout, func() {
				if c.live(s) && s.state == CallOfferSent && s.answer == nil {
					c.fail(s, errors.New("no answer"), SignalCallEnded)
				}
			})
		}
	})
}

// Accept answers the ringing call.
func (c *CallController) Accept() error {
	s := c.session
	if s == nil || s.state != CallIncomingRinging {
		return NewErrorf(ErrCallInProgress, "accept in state %s", c.State())
	}
	stopTimer(s.ringTimer)

	c.sched.Async(func(ctx context.Context) func() {
		media, err := c.media.Acquire(ctx, s.Type)
		return func() {
			if !c.live(s) {
				closeMedia(media)
				return
			}
			if err != nil {
				if errors.Is(err, ErrPermissionDenied) {
					c.observer.CallError(s.ID, NewSurfacedError(ErrPermissionDenied, err.Error()))
				}
				c.finish(s, SignalCallDeclined)
				return
			}
			s.media = media
			peer, offer := s.peer, s.offer
			c.runPeer(s, func(ctx context.Context) func() {
				answer, err := peer.CreateAnswer(ctx, offer, media)
				return func() {
					if err != nil {
						c.fail(s, fmt.Errorf("CreateAnswer: %w", err), SignalCallEnded)
						return
					}
					c.remoteDescriptionApplied(s)
					if err := c.send(s, Signal{Type: SignalAnswer, SDP: answer, CallType: s.Type}); err != nil {
						c.fail(s, fmt.Errorf("send answer: %w", err), "")
						return
					}
					c.transition(s, CallAnswerSent)
				}
			})
		}
	})
	return nil
}

// Decline rejects the ringing call.
func (c *CallController) Decline() error {
	s := c.session
	if s == nil || s.state != CallIncomingRinging {
		return NewErrorf(ErrCallInProgress, "decline in state %s", c.State())
	}
	c.finish(s, SignalCallDeclined)
	return nil
}

// Hangup ends the active session.
func (c *CallController) Hangup() error {
	s := c.session
	if s == nil {
		return NewErrorf(ErrCallInProgress, "hangup without a call")
	}
	signal := SignalCallEnded
	if s.state == CallIncomingRinging {
		signal = SignalCallDeclined
	}
	c.finish(s, signal)
	return nil
}

// HandleSignal applies a signal received from the remote side.
func (c *CallController) HandleSignal(from string, sig Signal) {
	if c.remote != "" && from != c.remote {
		c.logger.Warn("signal from outside the room ignored", slog.String("from", from), slog.String("type", string(sig.Type)))
		return
	}
	switch sig.Type {
	case SignalOffer:
		c.onOffer(from, sig)
	case SignalAnswer:
		c.onAnswer(sig)
	case SignalIceCandidate:
		c.onRemoteCandidate(sig.Candidate)
	case SignalCallEnded, SignalCallDeclined:
		if s := c.session; s != nil {
			c.logger.Info("call ended by remote", slog.String("session", s.ID), slog.String("signal", string(sig.Type)))
			c.finish(s, "")
		}
	default:
		c.logger.Warn("unknown signal type", slog.String("type", string(sig.Type)))
	}
}

func (c *CallController) onOffer(from string, sig Signal) {
	fp := fingerprint(sig.SDP)
	if fp == "" {
		c.logger.Warn("offer without sdp ignored")
		return
	}
	if fp == c.lastOffer {
		c.logger.Debug("re-delivered offer of an ended call ignored")
		return
	}
	if s := c.session; s != nil {
		if !s.Outgoing && fingerprint(s.offer) == fp {
			c.logger.Debug("duplicate offer ignored", slog.String("session", s.ID))
			return
		}
		// the remote abandoned the old session; it is not told about it
		c.protocolError(s, "offer while a call is active", "")
	}

	s := c.newSession(false, sig.CallType)
	s.Remote = from
	s.offer = sig.SDP
	s.remoteKnows = true
	peer, err := c.peers.NewPeer(context.Background(), s.ID, s.Type)
	if err != nil {
		c.fail(s, fmt.Errorf("NewPeer: %w", err), SignalCallDeclined)
		return
	}
	s.peer = peer
	c.transition(s, CallIncomingRinging)
	s.ringTimer = c.sched.AfterFunc(c.cfg.RingTimeout, func() {
		if c.live(s) && s.state == CallIncomingRinging {
			c.logger.Info("incoming call not answered", slog.String("session", s.ID))
			c.finish(s, SignalCallDeclined)
		}
	})
	c.observer.IncomingCall(s.ID, from, s.Type)
}

func (c *CallController) onAnswer(sig Signal) {
	s := c.session
	if s == nil {
		c.logger.Warn("answer without a call ignored", slog.String("error", ErrSignalingProtocol.Error()))
		return
	}
	if s.answer != nil {
		if fingerprint(s.answer) == fingerprint(sig.SDP) {
			c.logger.Debug("duplicate answer ignored", slog.String("session", s.ID))
			return
		}
		c.protocolError(s, "second answer", SignalCallEnded)
		return
	}
	if s.state != CallOfferSent {
		c.protocolError(s, fmt.Sprintf("answer in state %s", s.state), SignalCallEnded)
		return
	}

	s.answer = sig.SDP
	stopTimer(s.answerTimer)
	peer := s.peer
	c.runPeer(s, func(ctx context.Context) func() {
		err := peer.HandleAnswer(ctx, sig.SDP)
		return func() {
			if err != nil {
				c.fail(s, fmt.Errorf("HandleAnswer: %w", err), SignalCallEnded)
				return
			}
			c.remoteDescriptionApplied(s)
		}
	})
}

func (c *CallController) onRemoteCandidate(candidate json.RawMessage) {
	s := c.session
	if s == nil || s.peer == nil {
		c.logger.Debug("ice candidate without a call dropped")
		return
	}
	key := fingerprint(candidate)
	if key == "" {
		return
	}
	if _, ok := s.seenIce[key]; ok {
		return
	}
	s.seenIce[key] = struct{}{}

	if !s.iceReady {
		s.pendingIce = append(s.pendingIce, candidate)
		c.metrics.iceBuffered()
		return
	}
	c.addCandidate(s, candidate)
}

// remoteDescriptionApplied flushes the buffered candidates, once, in arrival order.
func (c *CallController) remoteDescriptionApplied(s *CallSession) {
	if s.iceReady {
		return
	}
	s.iceReady = true
	pending := s.pendingIce
	s.pendingIce = nil
	for _, cand := range pending {
		c.addCandidate(s, cand)
	}
}

func (c *CallController) addCandidate(s *CallSession, candidate json.RawMessage) {
	peer := s.peer
	c.runPeer(s, func(ctx context.Context) func() {
		if err := peer.AddIceCandidate(ctx, candidate); err != nil {
			c.logger.Warn("add ice candidate", slog.String("session", s.ID), slog.String("error", err.Error()))
		}
		return nil
	})
}

// HandleLocalCandidate forwards a candidate gathered by the local peer connection.
func (c *CallController) HandleLocalCandidate(sessionID string, candidate json.RawMessage) {
	s := c.session
	if s == nil || s.ID != sessionID || s.state.Terminal() {
		return
	}
	if err := c.send(s, Signal{Type: SignalIceCandidate, Candidate: candidate}); err != nil {
		c.logger.Warn("send ice candidate", slog.String("session", s.ID), slog.String("error", err.Error()))
	}
}

// HandlePeerState applies a connection state reported by the peer connection.
func (c *CallController) HandlePeerState(sessionID string, state PeerState) {
	s := c.session
	if s == nil || s.ID != sessionID || s.state.Terminal() {
		return
	}
	switch state {
	case PeerConnected:
		if s.state == CallConnected {
			return
		}
		if s.state != CallOfferSent && s.state != CallAnswerSent {
			c.logger.Warn("peer connected in unexpected state", slog.String("state", s.state.String()))
		}
		stopTimer(s.answerTimer)
		c.transition(s, CallConnected)
		s.connectedAt = c.sched.Now()
		c.tick(s)
	case PeerDisconnected, PeerClosed:
		c.finish(s, SignalCallEnded)
	case PeerFailed:
		c.fail(s, errors.New("peer connection failed"), SignalCallEnded)
	}
}

func (c *CallController) HandleRemoteStream(sessionID string, stream MediaStream) {
	s := c.session
	if s == nil || s.ID != sessionID || s.state.Terminal() {
		return
	}
	c.observer.RemoteStream(s.ID, stream)
}

func (c *CallController) tick(s *CallSession) {
	s.ticker = c.sched.AfterFunc(c.cfg.TickInterval, func() {
		if !c.live(s) || s.state != CallConnected {
			return
		}
		c.observer.CallDuration(s.ID, c.sched.Now().Sub(s.connectedAt).Round(time.Second))
		c.tick(s)
	})
}

// Close ends the active session, e.g. when the room is closed.
func (c *CallController) Close() {
	if s := c.session; s != nil {
		c.finish(s, SignalCallEnded)
	}
}

func (c *CallController) protocolError(s *CallSession, msg string, notify SignalType) {
	err := NewSurfacedError(ErrSignalingProtocol, msg)
	c.fail(s, err, notify)
}

func (c *CallController) fail(s *CallSession, err error, notify SignalType) {
	c.logger.Error(fmt.Sprintf("call failed: %s", err), slog.String("session", s.ID))
	if IsSurfaced(err) {
		c.observer.CallError(s.ID, err)
	}
	c.terminate(s, true, notify)
}

func (c *CallController) finish(s *CallSession, notify SignalType) {
	c.terminate(s, false, notify)
}

// terminate releases everything the session holds and discards it. notify,
// if set, is sent to the remote side when it knows about the call.
func (c *CallController) terminate(s *CallSession, failed bool, notify SignalType) {
	if s.state.Terminal() {
		return
	}
	if notify != "" && s.remoteKnows {
		if err := c.send(s, Signal{Type: notify}); err != nil {
			c.logger.Warn("notify remote", slog.String("signal", string(notify)), slog.String("error", err.Error()))
		}
	}
	stopTimer(s.answerTimer)
	stopTimer(s.ringTimer)
	stopTimer(s.ticker)
	s.pendingIce = nil
	s.ops = nil

	media, peer := s.media, s.peer
	s.media, s.peer = nil, nil
	if media != nil || peer != nil {
		c.sched.Async(func(context.Context) func() {
			closeMedia(media)
			if peer != nil {
				if err := peer.Close(); err != nil {
					c.logger.Warn("close peer", slog.String("session", s.ID), slog.String("error", err.Error()))
				}
			}
			return nil
		})
	}

	if s.state != CallIdle {
		if failed {
			c.transition(s, CallFailed)
		}
		c.transition(s, CallEnded)
	} else {
		s.state = CallEnded
	}
	if s.offer != nil && !s.Outgoing {
		c.lastOffer = fingerprint(s.offer)
	}
	if c.session == s {
		c.session = nil
	}
}

func (c *CallController) send(s *CallSession, sig Signal) error {
	if sig.Target == "" {
		sig.Target = s.Remote
	}
	return c.signals.SendSignal(sig)
}

// runPeer queues work for the session's peer connection. Peer calls run one
// at a time, in queue order, off the loop; the continuation runs on the loop
// unless the session is gone by then.
func (c *CallController) runPeer(s *CallSession, work func(context.Context) func()) {
	s.ops = append(s.ops, work)
	c.nextPeerOp(s)
}

func (c *CallController) nextPeerOp(s *CallSession) {
	if s.opBusy || len(s.ops) == 0 {
		return
	}
	if !c.live(s) {
		s.ops = nil
		return
	}
	work := s.ops[0]
	s.ops = s.ops[1:]
	s.opBusy = true
	c.sched.Async(func(ctx context.Context) func() {
		cont := work(ctx)
		return func() {
			s.opBusy = false
			if cont != nil && c.live(s) {
				cont()
			}
			c.nextPeerOp(s)
		}
	})
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}

func closeMedia(m MediaStream) {
	if m != nil {
		m.Close()
	}
}

// fingerprint is the compacted form of a JSON value, used to recognize
// re-delivered offers, answers and candidates.
func fingerprint(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	if b.String() == "null" || b.String() == `""` {
		return ""
	}
	return b.String()
}
