package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	closed bool
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeMedia struct {
	err     error
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(context.Context, CallType) (MediaStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

// fakePeer records the calls made on it, one entry per call.
type fakePeer struct {
	mu        sync.Mutex
	sessionID string
	calls     []string
	answerErr error
	closed    bool
}

func (p *fakePeer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePeer) CreateOffer(context.Context, MediaStream) (json.RawMessage, error) {
	p.record("create-offer")
	return json.RawMessage(`{"type":"offer","sdp":"v=0 local"}`), nil
}

func (p *fakePeer) CreateAnswer(_ context.Context, offer json.RawMessage, _ MediaStream) (json.RawMessage, error) {
	p.record("create-answer")
	return json.RawMessage(`{"type":"answer","sdp":"v=0 local"}`), nil
}

func (p *fakePeer) HandleAnswer(context.Context, json.RawMessage) error {
	p.record("handle-answer")
	return p.answerErr
}

func (p *fakePeer) AddIceCandidate(_ context.Context, candidate json.RawMessage) error {
	p.record(string(candidate))
	return nil
}

func (p *fakePeer) Close() error {
	p.closed = true
	return nil
}

type fakePeers struct {
	peers []*fakePeer
	err   error
}

func (f *fakePeers) NewPeer(_ context.Context, sessionID string, _ CallType) (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{sessionID: sessionID}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeSignals struct {
	sent []Signal
	err  error
}

func (s *fakeSignals) SendSignal(sig Signal) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sig)
	return nil
}

func (s *fakeSignals) types() []SignalType {
	out := make([]SignalType, 0, len(s.sent))
	for _, sig := range s.sent {
		out = append(out, sig.Type)
	}
	return out
}

type callRecorder struct {
	NopCallObserver
	incoming  []string
	states    []CallState
	errs      []error
	durations []time.Duration
}

func (r *callRecorder) IncomingCall(_ string, from string, _ CallType) {
	r.incoming = append(r.incoming, from)
}

func (r *callRecorder) CallStateChanged(_ string, s CallState) {
	r.states = append(r.states, s)
}

func (r *callRecorder) CallError(_ string, err error) {
	r.errs = append(r.errs, err)
}

func (r *callRecorder) CallDuration(_ string, d time.Duration) {
	r.durations = append(r.durations, d)
}

type callFixture struct {
	sched    *manualScheduler
	peers    *fakePeers
	media    *fakeMedia
	signals  *fakeSignals
	observer *callRecorder
	metrics  *Metrics
	ctrl     *CallController
}

func newCallFixture(t *testing.T) *callFixture {
	f := &callFixture{
		sched:    newManualScheduler(),
		peers:    &fakePeers{},
		media:    &fakeMedia{},
		signals:  &fakeSignals{},
		observer: &callRecorder{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	f.ctrl = NewCallController("alice", "bob", f.sched, f.peers, f.media, f.signals, f.observer,
		CallConfig{}, testLogger(), f.metrics)
	return f
}

func offerSignal(sdp string) Signal {
	return Signal{Type: SignalOffer, SDP: json.RawMessage(`{"type":"offer","sdp":"` + sdp + `"}`), CallType: VideoCall}
}

func answerSignal(sdp string) Signal {
	return Signal{Type: SignalAnswer, SDP: json.RawMessage(`{"type":"answer","sdp":"` + sdp + `"}`)}
}

func candidate(n string) Signal {
	return Signal{Type: SignalIceCandidate, Candidate: json.RawMessage(`{"candidate":"` + n + `"}`)}
}

func cand(n string) string {
	return `{"candidate":"` + n + `"}`
}

func TestOutgoingCallBuffersCandidatesUntilAnswer(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(VideoCall)
	require.Equal(t, CallOfferSent, f.ctrl.State())
	require.Equal(t, []SignalType{SignalOffer}, f.signals.types())
	assert.Equal(t, "bob", f.signals.sent[0].Target)

	f.ctrl.HandleSignal("bob", candidate("c1"))
	f.ctrl.HandleSignal("bob", candidate("c2"))
	f.ctrl.HandleSignal("bob", candidate("c3"))
	peer := f.peers.last()
	assert.Equal(t, []string{"create-offer"}, peer.calls, "no candidate before the remote description")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.IceCandidatesBuffer))

	f.ctrl.HandleSignal("bob", answerSignal("remote"))
	f.ctrl.HandleSignal("bob", candidate("c4"))
	f.ctrl.HandleSignal("bob", candidate("c2"))
	f.ctrl.HandleSignal("bob", candidate("c5"))

	assert.Equal(t, []string{"create-offer", "handle-answer", cand("c1"), cand("c2"), cand("c3"), cand("c4"), cand("c5")}, peer.calls)

	f.ctrl.HandlePeerState(f.ctrl.Session().ID, PeerConnected)
	assert.Equal(t, CallConnected, f.ctrl.State())
	assert.Equal(t, []CallState{CallOutgoingSetup, CallOfferSent, CallConnected}, f.observer.states)
}

func TestIncomingCallBuffersCandidatesUntilAccepted(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	require.Equal(t, CallIncomingRinging, f.ctrl.State())
	assert.Equal(t, []string{"bob"}, f.observer.incoming)

	f.ctrl.HandleSignal("bob", candidate("c1"))
	f.ctrl.HandleSignal("bob", candidate("c2"))
	peer := f.peers.last()
	assert.Empty(t, peer.calls)

	require.NoError(t, f.ctrl.Accept())
	assert.Equal(t, CallAnswerSent, f.ctrl.State())
	assert.Equal(t, []string{"create-answer", cand("c1"), cand("c2")}, peer.calls)
	assert.Equal(t, []SignalType{SignalAnswer}, f.signals.types())

	f.ctrl.HandleSignal("bob", candidate("c3"))
	assert.Equal(t, cand("c3"), peer.calls[len(peer.calls)-1])
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(AudioCall)
	id := f.ctrl.Session().ID

	f.ctrl.HandleLocalCandidate(id, json.RawMessage(cand("mine")))
	f.ctrl.HandleLocalCandidate("stale-session", json.RawMessage(cand("old")))

	require.Equal(t, []SignalType{SignalOffer, SignalIceCandidate}, f.signals.types())
	assert.JSONEq(t, cand("mine"), string(f.signals.sent[1].Candidate))
	assert.Equal(t, AudioCall, f.signals.sent[0].CallType)
}

func TestSingleActiveCall(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(VideoCall)
	first := f.ctrl.Session()
	firstPeer := f.peers.last()

	f.ctrl.StartCall(VideoCall)
	second := f.ctrl.Session()

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, CallEnded, first.State())
	assert.True(t, firstPeer.closed)
	assert.True(t, f.media.streams[0].closed)
	assert.Equal(t, []SignalType{SignalOffer, SignalCallEnded, SignalOffer}, f.signals.types())
	assert.Equal(t, CallOfferSent, f.ctrl.State())
}

func TestAnswerTimeout(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(VideoCall)
	peer := f.peers.last()

	f.sched.advance(DefaultCallConfig.AnswerTimeout - time.Second)
	assert.Equal(t, CallOfferSent, f.ctrl.State())

	f.sched.advance(time.Second)
	assert.Equal(t, CallIdle, f.ctrl.State())
	assert.Equal(t, []CallState{CallOutgoingSetup, CallOfferSent, CallFailed, CallEnded}, f.observer.states)
	assert.Equal(t, []SignalType{SignalOffer, SignalCallEnded}, f.signals.types())
	assert.True(t, peer.closed)
	assert.Empty(t, f.observer.errs, "a timeout is not shown as an error")
}

func TestAnswerStopsAnswerTimer(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(VideoCall)
	f.ctrl.HandleSignal("bob", answerSignal("remote"))

	f.sched.advance(2 * DefaultCallConfig.AnswerTimeout)
	assert.Equal(t, CallOfferSent, f.ctrl.State())
}

func TestRingTimeoutDeclines(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	peer := f.peers.last()

	f.sched.advance(DefaultCallConfig.RingTimeout)
	assert.Equal(t, CallIdle, f.ctrl.State())
	assert.Equal(t, []SignalType{SignalCallDeclined}, f.signals.types())
	assert.Equal(t, []CallState{CallIncomingRinging, CallEnded}, f.observer.states)
	assert.True(t, peer.closed)
}

func TestOutgoingPermissionDenied(t *testing.T) {
	f := newCallFixture(t)
	f.media.err = NewErrorf(ErrPermissionDenied, "camera")

	f.ctrl.StartCall(VideoCall)

	assert.Equal(t, CallIdle, f.ctrl.State())
	assert.Nil(t, f.ctrl.Session())
	assert.Empty(t, f.observer.states)
	assert.Empty(t, f.signals.sent)
	assert.Empty(t, f.peers.peers)
	require.Len(t, f.observer.errs, 1)
	assert.ErrorIs(t, f.observer.errs[0], ErrPermissionDenied)
	assert.True(t, IsSurfaced(f.observer.errs[0]))
}

func TestIncomingPermissionDeniedDeclines(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	f.media.err = NewErrorf(ErrPermissionDenied, "microphone")

	require.NoError(t, f.ctrl.Accept())

	assert.Equal(t, CallIdle, f.ctrl.State())
	assert.Equal(t, []SignalType{SignalCallDeclined}, f.signals.types())
	require.Len(t, f.observer.errs, 1)
	assert.ErrorIs(t, f.observer.errs[0], ErrPermissionDenied)
}

func TestDecline(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	require.NoError(t, f.ctrl.Decline())

	assert.Equal(t, []SignalType{SignalCallDeclined}, f.signals.types())
	assert.Equal(t, CallIdle, f.ctrl.State())

	// the same offer delivered again does not ring
	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	assert.Equal(t, CallIdle, f.ctrl.State())
	assert.Equal(t, []string{"bob"}, f.observer.incoming)

	assert.ErrorIs(t, f.ctrl.Decline(), ErrCallInProgress)
	assert.ErrorIs(t, f.ctrl.Accept(), ErrCallInProgress)
	assert.ErrorIs(t, f.ctrl.Hangup(), ErrCallInProgress)
}

func TestDuplicateOfferIgnored(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	id := f.ctrl.Session().ID

	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	assert.Equal(t, id, f.ctrl.Session().ID)
	assert.Len(t, f.observer.incoming, 1)
	assert.Len(t, f.peers.peers, 1)
}

func TestProtocolErrors(t *testing.T) {
	t.Run("answer without a call", func(t *testing.T) {
		f := newCallFixture(t)
		f.ctrl.HandleSignal("bob", answerSignal("remote"))
		assert.Equal(t, CallIdle, f.ctrl.State())
		assert.Empty(t, f.observer.errs)
		assert.Empty(t, f.signals.sent)
	})

	t.Run("answer while ringing", func(t *testing.T) {
		f := newCallFixture(t)
		f.ctrl.HandleSignal("bob", offerSignal("remote"))
		f.ctrl.HandleSignal("bob", answerSignal("remote"))

		assert.Equal(t, CallIdle, f.ctrl.State())
		assert.Equal(t, []CallState{CallIncomingRinging, CallFailed, CallEnded}, f.observer.states)
		require.Len(t, f.observer.errs, 1)
		assert.ErrorIs(t, f.observer.errs[0], ErrSignalingProtocol)
		assert.Equal(t, []SignalType{SignalCallEnded}, f.signals.types())
	})

	t.Run("second different answer", func(t *testing.T) {
		f := newCallFixture(t)
		f.ctrl.StartCall(VideoCall)
		f.ctrl.HandleSignal("bob", answerSignal("one"))
		f.ctrl.HandleSignal("bob", answerSignal("one"))
		assert.Equal(t, CallOfferSent, f.ctrl.State(), "duplicate answer is ignored")

		f.ctrl.HandleSignal("bob", answerSignal("two"))
		assert.Equal(t, CallIdle, f.ctrl.State())
		require.Len(t, f.observer.errs, 1)
		assert.ErrorIs(t, f.observer.errs[0], ErrSignalingProtocol)
	})

	t.Run("new offer during a call", func(t *testing.T) {
		f := newCallFixture(t)
		f.ctrl.StartCall(VideoCall)
		first := f.ctrl.Session()

		f.ctrl.HandleSignal("bob", offerSignal("fresh"))

		assert.Equal(t, CallEnded, first.State())
		assert.Equal(t, CallIncomingRinging, f.ctrl.State())
		require.Len(t, f.observer.errs, 1)
		assert.ErrorIs(t, f.observer.errs[0], ErrSignalingProtocol)
		assert.Equal(t, []SignalType{SignalOffer}, f.signals.types(), "the abandoned session is not announced")
	})

	t.Run("signal from another user", func(t *testing.T) {
		f := newCallFixture(t)
		f.ctrl.HandleSignal("mallory", offerSignal("remote"))
		assert.Equal(t, CallIdle, f.ctrl.State())
		assert.Empty(t, f.observer.incoming)
	})
}

func TestHandleAnswerFailure(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(VideoCall)
	f.peers.last().answerErr = errors.New("bad sdp")

	f.ctrl.HandleSignal("bob", answerSignal("remote"))

	assert.Equal(t, CallIdle, f.ctrl.State())
	assert.Equal(t, []SignalType{SignalOffer, SignalCallEnded}, f.signals.types())
	assert.Empty(t, f.observer.errs)
}

func TestConnectedCallTicksAndHangsUp(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.HandleSignal("bob", offerSignal("remote"))
	require.NoError(t, f.ctrl.Accept())
	id := f.ctrl.Session().ID

	f.ctrl.HandlePeerState(id, PeerConnected)
	f.sched.advance(3 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, f.observer.durations)

	require.NoError(t, f.ctrl.Hangup())
	assert.Equal(t, []SignalType{SignalAnswer, SignalCallEnded}, f.signals.types())
	assert.Equal(t, CallIdle, f.ctrl.State())

	f.sched.advance(3 * time.Second)
	assert.Len(t, f.observer.durations, 3, "ticker stops with the call")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CallTransitions.WithLabelValues("connected")))
}

func TestRemoteHangup(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(VideoCall)
	f.ctrl.HandleSignal("bob", Signal{Type: SignalCallDeclined})

	assert.Equal(t, CallIdle, f.ctrl.State())
	assert.Equal(t, []SignalType{SignalOffer}, f.signals.types(), "no reply to a remote hangup")
	assert.Equal(t, CallEnded, f.observer.states[len(f.observer.states)-1])
}

func TestPeerFailure(t *testing.T) {
	f := newCallFixture(t)
	f.ctrl.StartCall(VideoCall)
	f.ctrl.HandlePeerState(f.ctrl.Session().ID, PeerFailed)

	assert.Equal(t, []CallState{CallOutgoingSetup, CallOfferSent, CallFailed, CallEnded}, f.observer.states)
	assert.Equal(t, []SignalType{SignalOffer, SignalCallEnded}, f.signals.types())
}

func TestSessionGoneBeforeMediaArrives(t *testing.T) {
	f := newCallFixture(t)
	f.sched.hold = true
	f.ctrl.StartCall(VideoCall)
	f.ctrl.Close()

	f.sched.runHeld()
	assert.Equal(t, CallIdle, f.ctrl.State())
	require.Len(t, f.media.streams, 1)
	assert.True(t, f.media.streams[0].closed, "late media is released")
	assert.Empty(t, f.signals.sent)
}

func TestDecodeSignal(t *testing.T) {
	from, sig, err := DecodeSignal([]byte(`{"room":"alice-bob","from":"bob","signal":{"type":"offer","sdp":{"type":"offer","sdp":"v=0"},"call_type":"audio"}}`))
	require.NoError(t, err)
	assert.Equal(t, "bob", from)
	assert.Equal(t, SignalOffer, sig.Type)
	assert.Equal(t, AudioCall, sig.CallType)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(sig.SDP))

	_, _, err = DecodeSignal([]byte(`{"from":"bob"}`))
	assert.ErrorIs(t, err, ErrSignalingProtocol)
	_, _, err = DecodeSignal([]byte(`{"from":"bob","signal":{"sdp":"x"}}`))
	assert.ErrorIs(t, err, ErrSignalingProtocol)
}
