package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakePeerConnection struct {
	mu sync.Mutex

	tracks       []webrtc.TrackLocal
	offers       int
	answers      int
	local        []webrtc.SessionDescription
	remote       []webrtc.SessionDescription
	added        []webrtc.ICECandidateInit
	closed       bool
	remoteErr    error
	badCandidate string

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (f *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePeerConnection) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (f *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (f *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, desc)
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.remote = append(f.remote, desc)
	return nil
}

func (f *fakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badCandidate != "" && c.Candidate == f.badCandidate {
		return errors.New("invalid candidate")
	}
	f.added = append(f.added, c)
	return nil
}

func (f *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakePeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeerConnection) emitState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(state)
}

func (f *fakePeerConnection) emitCandidate(c *webrtc.ICECandidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(c)
}

func (f *fakePeerConnection) emitTrack() {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(&webrtc.TrackRemote{}, nil)
}

type pcSnapshot struct {
	tracks  []webrtc.TrackLocal
	offers  int
	answers int
	local   []webrtc.SessionDescription
	remote  []webrtc.SessionDescription
	added   []webrtc.ICECandidateInit
	closed  bool
}

func (f *fakePeerConnection) snapshot() pcSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pcSnapshot{
		tracks:  append([]webrtc.TrackLocal(nil), f.tracks...),
		offers:  f.offers,
		answers: f.answers,
		local:   append([]webrtc.SessionDescription(nil), f.local...),
		remote:  append([]webrtc.SessionDescription(nil), f.remote...),
		added:   append([]webrtc.ICECandidateInit(nil), f.added...),
		closed:  f.closed,
	}
}

func (f *fakePeerConnection) factory() PeerConnectionFactory {
	return func(webrtc.Configuration) (PeerConnection, error) {
		return f, nil
	}
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	captured int
	released int
}

func (m *fakeMedia) Capture(context.Context) ([]webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.captured++
	return []webrtc.TrackLocal{nil, nil}, nil
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *fakeMedia) releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []models.SignalMessage
	err  error
}

func (r *recordingSignaler) Send(_ context.Context, msg models.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSignaler) ofType(typ models.SignalType) []models.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SignalMessage
	for _, msg := range r.sent {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

type blockingSink struct {
	mu      sync.Mutex
	blocked bool
	played  int
}

func (s *blockingSink) Play(*webrtc.TrackRemote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked {
		return ErrPlaybackBlocked
	}
	s.played++
	return nil
}

func (s *blockingSink) unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = false
}

type harness struct {
	t       *testing.T
	session *Session
	pc      *fakePeerConnection
	media   *fakeMedia
	sig     *recordingSignaler
	result  chan error
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Deps)) *harness {
	t.Helper()
	if cfg.RoomID == "" {
		cfg.RoomID = "apt-123"
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 10 * time.Millisecond
	}

	h := &harness{
		t:      t,
		pc:     &fakePeerConnection{},
		media:  &fakeMedia{},
		sig:    &recordingSignaler{},
		result: make(chan error, 1),
	}
	deps := Deps{
		Signaler:          h.sig,
		Media:             h.media,
		NewPeerConnection: h.pc.factory(),
		Logger:            logger.Discard(),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	s, err := NewSession(cfg, deps)
	require.NoError(t, err)
	h.session = s
	return h
}

func (h *harness) start() *harness {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.t.Cleanup(cancel)
	go func() { h.result <- h.session.Run(ctx) }()
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.State() == want },
		2*time.Second, 5*time.Millisecond, "state stuck at %s, want %s", h.session.State(), want)
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) deliver(msg models.SignalMessage) {
	h.session.Deliver(msg)
}
