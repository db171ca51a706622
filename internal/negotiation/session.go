package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultAnswerTimeout = 30 * time.Second

	inboxSize  = 64
	eventsSize = 64
)

// Signaler sends envelopes to the relay.
type Signaler interface {
	Send(ctx context.Context, msg models.SignalMessage) error
}

// Config describes one negotiation attempt.
type Config struct {
	RoomID string
	Role   models.Role

	// PeerPresent is set when the counterpart was already in the room on join.
	PeerPresent bool

	// SettleDelay debounces the initiator's offer after the counterpart shows up.
	SettleDelay time.Duration

	// AnswerTimeout bounds how long the initiator waits for an answer. Zero
	// selects DefaultAnswerTimeout; a negative value waits forever.
	AnswerTimeout time.Duration

	ICEServers []webrtc.ICEServer
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.AnswerTimeout == 0 {
		c.AnswerTimeout = DefaultAnswerTimeout
	}
	return c
}

// Deps are the collaborators a session drives.
type Deps struct {
	Signaler          Signaler
	Media             MediaSource
	NewPeerConnection PeerConnectionFactory
	Sink              TrackSink
	Logger            *slog.Logger
}

type inputKind int

const (
	inputMessage inputKind = iota
	inputPeerPresent
	inputHangup
	inputTransportLost
	inputResume
	inputLocalCandidate
	inputConnState
	inputTrack
)

type input struct {
	kind      inputKind
	msg       models.SignalMessage
	err       error
	candidate webrtc.ICECandidateInit
	connState webrtc.PeerConnectionState
	track     *webrtc.TrackRemote
}

// Session drives one participant's half of a single call attempt from idle to
// connected, failed or closed. Every input is funnelled into the goroutine
// running Run, so transitions never interleave. A session is never reused:
// a new attempt needs a new Session.
type Session struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	inbox   chan input
	events  chan Event
	done    chan struct{}
	started atomic.Bool

	mu      sync.Mutex
	state   State
	queue   candidateQueue
	applied []webrtc.ICECandidateInit
	invalid int

	// Owned by Run.
	pc          PeerConnection
	offered     bool
	blocked     *webrtc.TrackRemote
	settle      *time.Timer
	answerTimer *time.Timer
}

func NewSession(cfg Config, deps Deps) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("negotiation: room id is required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("negotiation: invalid role %q", cfg.Role)
	}
	if deps.Signaler == nil || deps.Media == nil || deps.NewPeerConnection == nil {
		return nil, errors.New("negotiation: signaler, media and peer connection factory are required")
	}
	if deps.Sink == nil {
		deps.Sink = DiscardSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Session{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log: deps.Logger.With(
			slog.String("op", "negotiation"),
			slog.String("room_id", cfg.RoomID),
			slog.String("role", string(cfg.Role)),
		),
		inbox:  make(chan input, inboxSize),
		events: make(chan Event, eventsSize),
		done:   make(chan struct{}),
		state:  StateIdle,
	}, nil
}

// Deliver feeds a relay envelope to the attempt.
func (s *Session) Deliver(msg models.SignalMessage) {
	s.post(input{kind: inputMessage, msg: msg})
}

// PeerPresent reports that the counterpart joined the room.
func (s *Session) PeerPresent() {
	s.post(input{kind: inputPeerPresent})
}

// Hangup ends the call from this side and tells the counterpart.
func (s *Session) Hangup() {
	s.post(input{kind: inputHangup})
}

// TransportLost reports that the relay connection dropped.
func (s *Session) TransportLost(err error) {
	s.post(input{kind: inputTransportLost, err: err})
}

// ResumePlayback retries remote playback after a user gesture.
func (s *Session) ResumePlayback() {
	s.post(input{kind: inputResume})
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() models.Role {
	return s.cfg.Role
}

// Events is closed when Run returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Applied returns the remote candidates applied so far, in order.
func (s *Session) Applied() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.applied...)
}

// Pending returns the number of remote candidates waiting for the remote description.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// InvalidCandidates counts remote candidates that could not be parsed or applied.
func (s *Session) InvalidCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Run executes the attempt and blocks until it is closed or failed. It returns
// nil when the call closed (hangup, peer left, ctx cancelled) and the cause
// when it failed; capture failures are returned as *MediaError.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.events)
	defer close(s.done)
	defer s.teardown()

	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	s.setState(StateCapturingMedia)
	tracks, err := s.deps.Media.Capture(ctx)
	if err != nil {
		return s.fail(&MediaError{Op: "capture media", Err: err})
	}

	pc, err := s.deps.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return s.fail(fmt.Errorf("create peer connection: %w", err))
	}
	s.pc = pc

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			return s.fail(&MediaError{Op: "attach track", Err: err})
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.post(input{kind: inputLocalCandidate, candidate: c.ToJSON()})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(input{kind: inputConnState, connState: state})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.post(input{kind: inputTrack, track: track})
	})

	s.setState(StateRoleAssigned)

	switch {
	case s.cfg.Role == models.RoleResponder:
		s.setState(StateAwaitingOffer)
	case s.cfg.PeerPresent:
		s.armSettle()
	}

	for {
		var settleC, answerC <-chan time.Time
		if s.settle != nil {
			settleC = s.settle.C
		}
		if s.answerTimer != nil {
			answerC = s.answerTimer.C
		}

		select {
		case <-ctx.Done():
			s.log.Debug("negotiation cancelled")
			s.setState(StateClosed)
			return nil

		case <-settleC:
			s.settle = nil
			if err := s.sendOffer(ctx); err != nil {
				return s.fail(err)
			}

		case <-answerC:
			s.answerTimer = nil
			return s.fail(ErrAnswerTimeout)

		case in := <-s.inbox:
			finished, err := s.handle(ctx, in)
			if err != nil {
				return s.fail(err)
			}
			if finished {
				s.setState(StateClosed)
				return nil
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, in input) (bool, error) {
	switch in.kind {
	case inputMessage:
		return s.handleMessage(ctx, in.msg)

	case inputPeerPresent:
		s.peerArrived()

	case inputHangup:
		if err := s.send(ctx, models.SignalMessage{Type: models.SignalTypeLeave}); err != nil {
			s.log.Debug("could not notify counterpart", logger.Err(err))
		}
		return true, nil

	case inputTransportLost:
		// An established call carries media peer to peer; losing the relay
		// only ends the attempt.
		if s.State() == StateConnected {
			s.log.Info("relay connection lost after connect", logger.Err(in.err))
			return true, nil
		}
		if in.err != nil {
			return false, fmt.Errorf("%w: %w", ErrTransportLost, in.err)
		}
		return false, ErrTransportLost

	case inputResume:
		if track := s.blocked; track != nil {
			s.blocked = nil
			s.play(track)
		}

	case inputLocalCandidate:
		data, err := json.Marshal(in.candidate)
		if err != nil {
			s.log.Warn("failed to encode local candidate", logger.Err(err))
			return false, nil
		}
		if err := s.send(ctx, models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: data}); err != nil {
			s.log.Warn("failed to send local candidate", logger.Err(err))
		}

	case inputConnState:
		return false, s.connectionChanged(in.connState)

	case inputTrack:
		s.play(in.track)
	}
	return false, nil
}

func (s *Session) handleMessage(ctx context.Context, msg models.SignalMessage) (bool, error) {
	if msg.RoomID != "" && msg.RoomID != s.cfg.RoomID {
		s.log.Debug("ignoring message for another room", slog.String("msg_room_id", msg.RoomID))
		return false, nil
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		return false, s.acceptOffer(ctx, msg.Description)
	case models.SignalTypeAnswer:
		return false, s.acceptAnswer(msg.Description)
	case models.SignalTypeCandidate:
		s.remoteCandidate(msg.Candidate)
	case models.SignalTypePeerJoined:
		s.peerArrived()
	case models.SignalTypePeerLeft:
		s.log.Info("counterpart left the room")
		s.emit(Event{Kind: EventPeerLeft, State: s.State()})
		return true, nil
	case models.SignalTypeError:
		s.log.Warn("relay rejected a message", slog.String("code", msg.Code), slog.String("error", msg.Error))
		s.emit(Event{Kind: EventError, State: s.State(), Err: fmt.Errorf("relay: %s", msg.Error)})
	}
	return false, nil
}

func (s *Session) peerArrived() {
	if s.cfg.Role != models.RoleInitiator || s.offered || s.settle != nil {
		return
	}
	s.armSettle()
}

func (s *Session) armSettle() {
	s.settle = time.NewTimer(s.cfg.SettleDelay)
}

// sendOffer creates, applies and sends the local offer at most once per attempt.
func (s *Session) sendOffer(ctx context.Context) error {
	if s.offered {
		return nil
	}
	s.offered = true

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	s.setState(StateOfferSent)

	if err := s.sendDescription(ctx, models.SignalTypeOffer, offer); err != nil {
		return err
	}
	s.setState(StateAwaitingAnswer)

	if s.cfg.AnswerTimeout > 0 {
		s.answerTimer = time.NewTimer(s.cfg.AnswerTimeout)
	}
	return nil
}

func (s *Session) acceptOffer(ctx context.Context, raw json.RawMessage) error {
	if s.cfg.Role != models.RoleResponder {
		return protocolError("offer received by initiator")
	}
	if s.remoteSet() {
		return protocolError("duplicate offer")
	}

	offer, err := parseDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.drainCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := s.sendDescription(ctx, models.SignalTypeAnswer, answer); err != nil {
		return err
	}
	s.setState(StateAnswerSent)
	return nil
}

func (s *Session) acceptAnswer(raw json.RawMessage) error {
	switch {
	case s.cfg.Role != models.RoleInitiator:
		return protocolError("answer received by responder")
	case !s.offered:
		return protocolError("answer received before offer")
	case s.remoteSet():
		return protocolError("duplicate answer")
	}

	answer, err := parseDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.drainCandidates()

	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	s.setState(StateConnected)
	return nil
}

func (s *Session) remoteCandidate(raw json.RawMessage) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		s.countInvalid()
		s.log.Warn("discarding malformed candidate", logger.Err(err))
		return
	}
	if c.Candidate == "" {
		// End-of-candidates marker.
		return
	}

	s.mu.Lock()
	queued := s.queue.push(c)
	s.mu.Unlock()
	if queued {
		s.log.Debug("queued remote candidate")
		return
	}
	s.applyCandidate(c)
}

func (s *Session) remoteSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.remoteSet
}

// drainCandidates applies the backlog in arrival order. It runs on the loop
// right after the remote description is set, so no later candidate can
// overtake the backlog.
func (s *Session) drainCandidates() {
	s.mu.Lock()
	backlog := s.queue.markRemoteSet()
	s.mu.Unlock()

	if len(backlog) > 0 {
		s.log.Debug("draining queued candidates", slog.Int("count", len(backlog)))
	}
	for _, c := range backlog {
		s.applyCandidate(c)
	}
}

func (s *Session) applyCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.countInvalid()
		s.log.Warn("failed to apply remote candidate", logger.Err(err))
		return
	}
	s.mu.Lock()
	s.applied = append(s.applied, c)
	s.mu.Unlock()
}

func (s *Session) countInvalid() {
	s.mu.Lock()
	s.invalid++
	s.mu.Unlock()
}

func (s *Session) connectionChanged(state webrtc.PeerConnectionState) error {
	s.emit(Event{Kind: EventConnection, State: s.State(), Connection: connectionStatus(state)})

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.State() == StateAnswerSent {
			s.setState(StateConnected)
		}
	case webrtc.PeerConnectionStateFailed:
		return ErrConnectionFailed
	}
	return nil
}

func (s *Session) play(track *webrtc.TrackRemote) {
	err := s.deps.Sink.Play(track)
	switch {
	case err == nil:
		s.emit(Event{Kind: EventRemoteTrack, State: s.State(), TrackID: track.ID()})
	case errors.Is(err, ErrPlaybackBlocked):
		s.blocked = track
		s.log.Info("remote playback blocked, waiting for user gesture")
		s.emit(Event{Kind: EventMediaBlocked, State: s.State(), TrackID: track.ID(), Err: err})
	default:
		s.log.Warn("remote playback failed", logger.Err(err))
		s.emit(Event{Kind: EventError, State: s.State(), TrackID: track.ID(), Err: err})
	}
}

func (s *Session) sendDescription(ctx context.Context, typ models.SignalType, desc webrtc.SessionDescription) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := s.send(ctx, models.SignalMessage{Type: typ, Description: data}); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrTransportLost, typ, err)
	}
	return nil
}

func (s *Session) send(ctx context.Context, msg models.SignalMessage) error {
	msg.Version = models.ProtocolVersion
	msg.RoomID = s.cfg.RoomID
	return s.deps.Signaler.Send(ctx, msg)
}

func (s *Session) fail(err error) error {
	s.log.Warn("negotiation failed", slog.String("state", string(s.State())), logger.Err(err))
	s.setState(StateFailed)
	s.emit(Event{Kind: EventError, State: StateFailed, Connection: ConnectionFailed, Err: err})
	return err
}

// teardown releases everything the attempt acquired.
func (s *Session) teardown() {
	if s.settle != nil {
		s.settle.Stop()
	}
	if s.answerTimer != nil {
		s.answerTimer.Stop()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Debug("failed to close peer connection", logger.Err(err))
		}
	}
	s.deps.Media.Release()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.mu.Unlock()

	s.log.Debug("negotiation state changed", slog.String("from", string(prev)), slog.String("to", string(state)))
	s.emit(Event{Kind: EventState, State: state, Connection: state.Connection()})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("dropping negotiation event", slog.String("kind", string(ev.Kind)))
	}
}

func (s *Session) post(in input) {
	select {
	case s.inbox <- in:
	case <-s.done:
	}
}

func parseDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, protocolError("missing %s description", want)
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, protocolError("malformed %s description: %v", want, err)
	}
	if desc.Type != want {
		return desc, protocolError("expected %s description, got %s", want, desc.Type)
	}
	return desc, nil
}

func connectionStatus(state webrtc.PeerConnectionState) ConnectionStatus {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return ConnectionDisconnected
	default:
		return ConnectionNew
	}
}
