package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/negotiation"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultJoinTimeout = 10 * time.Second

	eventsSize = 128
	chatsSize  = 256
)

var (
	ErrJoinRejected = errors.New("relay rejected the join")
	ErrNoRole       = errors.New("no negotiation role assigned")
	ErrEmptyChat    = errors.New("chat message is empty")

	errHungUp = errors.New("hung up")
)

// Transport is the relay connection a participant signals over.
// *signalclient.Client satisfies it.
type Transport interface {
	Send(ctx context.Context, msg models.SignalMessage) error
	Incoming() <-chan models.SignalMessage
	Err() error
}

type Config struct {
	RoomID string

	// Role is used when the relay's join acknowledgement does not carry one.
	Role models.Role

	SettleDelay   time.Duration
	AnswerTimeout time.Duration
	JoinTimeout   time.Duration
	ICEServers    []webrtc.ICEServer

	// Sink plays remote media; nil discards it.
	Sink negotiation.TrackSink
}

// Event is a negotiation event tagged with the attempt that produced it.
type Event struct {
	Attempt int
	negotiation.Event
}

// Chat is a chat message relayed from the counterpart.
type Chat struct {
	ID     string
	From   string
	UserID string
	Text   string
	SentAt time.Time
}

// Participant is one side of an appointment call. It joins the room once and
// then runs a fresh negotiation session for every call attempt: when the
// counterpart leaves or reconnects, the attempt closes and the next one starts
// from idle with whichever connection they are back on. Chat flows regardless
// of attempts.
type Participant struct {
	cfg       Config
	transport Transport
	factory   negotiation.PeerConnectionFactory
	media     negotiation.MediaSource
	log       *slog.Logger

	events chan Event
	chats  chan Chat

	hangup     chan struct{}
	hangupOnce sync.Once
	started    atomic.Bool
	forwarders sync.WaitGroup

	mu      sync.Mutex
	role    models.Role
	session *negotiation.Session
	attempt int
}

func New(cfg Config, transport Transport, factory negotiation.PeerConnectionFactory, media negotiation.MediaSource, log *slog.Logger) (*Participant, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("participant: room id is required")
	}
	if cfg.Role != "" && !cfg.Role.Valid() {
		return nil, fmt.Errorf("participant: invalid role %q", cfg.Role)
	}
	if transport == nil || factory == nil || media == nil {
		return nil, errors.New("participant: transport, peer connection factory and media are required")
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Participant{
		cfg:       cfg,
		transport: transport,
		factory:   factory,
		media:     media,
		log:       log.With(slog.String("op", "participant"), slog.String("room_id", cfg.RoomID)),
		events:    make(chan Event, eventsSize),
		chats:     make(chan Chat, chatsSize),
		hangup:    make(chan struct{}),
	}, nil
}

// Events is closed when Run returns.
func (p *Participant) Events() <-chan Event {
	return p.events
}

// Chats is closed when Run returns.
func (p *Participant) Chats() <-chan Chat {
	return p.chats
}

// Role returns the role resolved on join, or "" before the relay acknowledged it.
func (p *Participant) Role() models.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Attempt returns the number of the current call attempt, starting at 1.
func (p *Participant) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// State returns the state of the current attempt.
func (p *Participant) State() negotiation.State {
	if s := p.current(); s != nil {
		return s.State()
	}
	return negotiation.StateIdle
}

// Hangup ends the call and makes Run return.
func (p *Participant) Hangup() {
	p.hangupOnce.Do(func() { close(p.hangup) })
}

// ResumePlayback retries remote playback blocked by the platform.
func (p *Participant) ResumePlayback() {
	if s := p.current(); s != nil {
		s.ResumePlayback()
	}
}

// SendChat sends text to the counterpart.
func (p *Participant) SendChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyChat
	}
	return p.transport.Send(ctx, models.SignalMessage{
		Version: models.ProtocolVersion,
		Type:    models.SignalTypeChat,
		RoomID:  p.cfg.RoomID,
		Text:    text,
	})
}

// Run joins the room and drives call attempts until the call is hung up, ctx
// is cancelled, the relay connection drops or an attempt fails. It returns nil
// in the first two cases.
func (p *Participant) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return negotiation.ErrAlreadyStarted
	}
	defer close(p.chats)
	defer func() {
		p.forwarders.Wait()
		close(p.events)
	}()

	ack, err := p.join(ctx)
	if errors.Is(err, errHungUp) || (err != nil && ctx.Err() != nil) {
		return nil
	}
	if err != nil {
		return err
	}

	role, err := p.resolveRole(ack.Role)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.role = role
	p.mu.Unlock()
	p.log.Info("joined room", slog.String("role", string(role)), slog.Int("peers", ack.Peers))

	plan := attemptPlan{peerPresent: ack.Peers > 0}
	for {
		sess, err := p.startAttempt(role, plan.peerPresent)
		if err != nil {
			return err
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- sess.Run(attemptCtx) }()

		next, err := p.drive(ctx, sess, cancel, errc, plan.counterpart)
		cancel()
		if err != nil {
			p.log.Warn("call attempt failed", slog.Int("attempt", p.Attempt()), logger.Err(err))
		}
		if next == nil {
			return err
		}
		plan = *next
	}
}

// counterpart identifies the relay connection on the other end of an attempt.
type counterpart struct {
	from   string
	userID string
}

func (c counterpart) known() bool { return c.from != "" }

// attemptPlan is how the next attempt starts.
type attemptPlan struct {
	peerPresent bool
	counterpart counterpart
}

func (p *Participant) join(ctx context.Context) (models.SignalMessage, error) {
	err := p.transport.Send(ctx, models.SignalMessage{
		Version: models.ProtocolVersion,
		Type:    models.SignalTypeJoinRoom,
		RoomID:  p.cfg.RoomID,
	})
	if err != nil {
		return models.SignalMessage{}, fmt.Errorf("%w: send join: %w", negotiation.ErrTransportLost, err)
	}

	timeout := time.NewTimer(p.cfg.JoinTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.SignalMessage{}, ctx.Err()
		case <-p.hangup:
			return models.SignalMessage{}, errHungUp
		case <-timeout.C:
			return models.SignalMessage{}, fmt.Errorf("no join acknowledgement after %s", p.cfg.JoinTimeout)
		case msg, ok := <-p.transport.Incoming():
			if !ok {
				return models.SignalMessage{}, p.transportLost()
			}
			switch msg.Type {
			case models.SignalTypeJoined:
				return msg, nil
			case models.SignalTypeError:
				return models.SignalMessage{}, fmt.Errorf("%w: %s (%s)", ErrJoinRejected, msg.Error, msg.Code)
			case models.SignalTypeChat:
				p.deliverChat(msg)
			default:
				p.log.Debug("ignoring message before join", slog.String("type", string(msg.Type)))
			}
		}
	}
}

func (p *Participant) resolveRole(assigned models.Role) (models.Role, error) {
	switch {
	case assigned.Valid():
		if p.cfg.Role != "" && p.cfg.Role != assigned {
			p.log.Warn("relay assigned a different role than configured",
				slog.String("configured", string(p.cfg.Role)), slog.String("assigned", string(assigned)))
		}
		return assigned, nil
	case p.cfg.Role.Valid():
		return p.cfg.Role, nil
	}
	return "", ErrNoRole
}

func (p *Participant) startAttempt(role models.Role, peerPresent bool) (*negotiation.Session, error) {
	sess, err := negotiation.NewSession(negotiation.Config{
		RoomID:        p.cfg.RoomID,
		Role:          role,
		PeerPresent:   peerPresent,
		SettleDelay:   p.cfg.SettleDelay,
		AnswerTimeout: p.cfg.AnswerTimeout,
		ICEServers:    p.cfg.ICEServers,
	}, negotiation.Deps{
		Signaler:          p.transport,
		Media:             p.media,
		NewPeerConnection: p.factory,
		Sink:              p.cfg.Sink,
		Logger:            p.log,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.attempt++
	attempt := p.attempt
	p.session = sess
	p.mu.Unlock()

	p.log.Debug("starting call attempt", slog.Int("attempt", attempt), slog.Bool("peer_present", peerPresent))

	p.forwarders.Add(1)
	go func() {
		defer p.forwarders.Done()
		for ev := range sess.Events() {
			select {
			case p.events <- Event{Attempt: attempt, Event: ev}:
			default:
				p.log.Warn("dropping participant event", slog.String("kind", string(ev.Kind)))
			}
		}
	}()

	return sess, nil
}

// drive routes relay traffic to sess until the attempt ends and returns the
// plan for the next attempt, or nil when the call is over.
//
// The attempt is bound to one counterpart connection. Negotiation traffic and
// departures from any other connection are dropped, so a stale connection of
// the counterpart's user going away cannot end a call already running on its
// replacement. When the counterpart's user shows up on a new connection, the
// attempt is abandoned and the next one negotiates with the new connection.
func (p *Participant) drive(ctx context.Context, sess *negotiation.Session, cancel context.CancelFunc, errc <-chan error, peer counterpart) (*attemptPlan, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, <-errc

		case <-p.hangup:
			sess.Hangup()
			return nil, <-errc

		case err := <-errc:
			return nil, err

		case msg, ok := <-p.transport.Incoming():
			if !ok {
				sess.TransportLost(p.transport.Err())
				if err := <-errc; err != nil {
					return nil, err
				}
				return nil, p.transportLost()
			}

			switch msg.Type {
			case models.SignalTypeChat:
				p.deliverChat(msg)

			case models.SignalTypePeerJoined:
				switch {
				case !peer.known():
					peer = counterpart{from: msg.From, userID: msg.UserID}
					sess.PeerPresent()
				case msg.UserID == peer.userID && msg.From != peer.from:
					p.log.Info("counterpart reconnected, restarting call attempt",
						slog.String("stale", peer.from), slog.String("from", msg.From))
					cancel()
					if err := <-errc; err != nil {
						return nil, err
					}
					return &attemptPlan{
						peerPresent: true,
						counterpart: counterpart{from: msg.From, userID: msg.UserID},
					}, nil
				default:
					p.log.Debug("ignoring unrelated arrival", slog.String("from", msg.From), slog.String("user_id", msg.UserID))
				}

			case models.SignalTypePeerLeft:
				if peer.known() && msg.From != peer.from {
					p.log.Debug("ignoring departure of stale connection", slog.String("from", msg.From))
					continue
				}
				// Wait for the attempt to close so nothing meant for the
				// next attempt reaches this one.
				sess.Deliver(msg)
				if err := <-errc; err != nil {
					return nil, err
				}
				p.log.Info("counterpart left, waiting for them to rejoin", slog.Int("peers", msg.Peers))
				return &attemptPlan{peerPresent: msg.Peers > 0}, nil

			case models.SignalTypeJoined:

			default:
				if msg.Type.IsNegotiation() && msg.From != "" {
					if !peer.known() {
						peer = counterpart{from: msg.From, userID: msg.UserID}
					} else if msg.From != peer.from {
						p.log.Debug("dropping signal from another connection",
							slog.String("type", string(msg.Type)), slog.String("from", msg.From))
						continue
					}
				}
				sess.Deliver(msg)
			}
		}
	}
}

func (p *Participant) deliverChat(msg models.SignalMessage) {
	chat := Chat{ID: msg.ID, From: msg.From, UserID: msg.UserID, Text: msg.Text, SentAt: msg.SentAt}
	select {
	case p.chats <- chat:
	default:
		p.log.Warn("dropping chat message", slog.String("id", msg.ID))
	}
}

func (p *Participant) transportLost() error {
	if err := p.transport.Err(); err != nil {
		return fmt.Errorf("%w: %w", negotiation.ErrTransportLost, err)
	}
	return negotiation.ErrTransportLost
}

func (p *Participant) current() *negotiation.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}
