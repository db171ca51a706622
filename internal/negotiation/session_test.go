package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	offerJSON  = json.RawMessage(`{"type":"offer","sdp":"v=0 remote-offer"}`)
	answerJSON = json.RawMessage(`{"type":"answer","sdp":"v=0 remote-answer"}`)
)

func candidateMsg(t *testing.T, candidate string) models.SignalMessage {
	t.Helper()
	data, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return models.SignalMessage{Type: models.SignalTypeCandidate, RoomID: "apt-123", Candidate: data}
}

func candidates(applied []webrtc.ICECandidateInit) []string {
	out := make([]string, 0, len(applied))
	for _, c := range applied {
		out = append(out, c.Candidate)
	}
	return out
}

func drainEvents(s *Session) []Event {
	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func hasEvent(events []Event, kind EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func TestNewSessionValidates(t *testing.T) {
	deps := Deps{Signaler: &recordingSignaler{}, Media: &fakeMedia{}, NewPeerConnection: (&fakePeerConnection{}).factory()}

	_, err := NewSession(Config{Role: models.RoleInitiator}, deps)
	assert.Error(t, err)

	_, err = NewSession(Config{RoomID: "apt-1", Role: "observer"}, deps)
	assert.Error(t, err)

	_, err = NewSession(Config{RoomID: "apt-1", Role: models.RoleResponder}, Deps{})
	assert.Error(t, err)

	s, err := NewSession(Config{RoomID: "apt-1", Role: models.RoleResponder}, deps)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, DefaultAnswerTimeout, s.cfg.AnswerTimeout)
	assert.Equal(t, DefaultSettleDelay, s.cfg.SettleDelay)
}

func TestInitiatorWaitsForCounterpart(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator}).start()

	h.waitState(StateRoleAssigned)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateRoleAssigned, h.session.State())
	assert.Empty(t, h.sig.ofType(models.SignalTypeOffer))
	assert.Len(t, h.pc.snapshot().tracks, 2)
}

func TestInitiatorOffersOncePerAttempt(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator}).start()
	h.waitState(StateRoleAssigned)

	h.session.PeerPresent()
	h.session.PeerPresent()
	h.deliver(models.SignalMessage{Type: models.SignalTypePeerJoined, RoomID: "apt-123"})

	h.waitState(StateAwaitingAnswer)
	h.session.PeerPresent()
	time.Sleep(50 * time.Millisecond)

	offers := h.sig.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, 1, h.pc.snapshot().offers)
	assert.Equal(t, "apt-123", offers[0].RoomID)
	assert.Equal(t, models.ProtocolVersion, offers[0].Version)

	var desc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offers[0].Description, &desc))
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	assert.Equal(t, []webrtc.SessionDescription{desc}, h.pc.snapshot().local)
}

func TestInitiatorConnectsOnAnswer(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true}).start()
	h.waitState(StateAwaitingAnswer)

	h.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, RoomID: "apt-123", Description: answerJSON})
	h.waitState(StateConnected)

	remote := h.pc.snapshot().remote
	require.Len(t, remote, 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, remote[0].Type)
	assert.Equal(t, ConnectionConnected, h.session.State().Connection())
}

func TestResponderAnswersOffer(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()
	h.waitState(StateAwaitingOffer)

	h.deliver(models.SignalMessage{Type: models.SignalTypeOffer, RoomID: "apt-123", Description: offerJSON})
	h.waitState(StateAnswerSent)

	answers := h.sig.ofType(models.SignalTypeAnswer)
	require.Len(t, answers, 1)
	assert.Empty(t, h.sig.ofType(models.SignalTypeOffer))
	snap := h.pc.snapshot()
	assert.Equal(t, 0, snap.offers)
	assert.Equal(t, 1, snap.answers)

	h.pc.emitState(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)
}

func TestCandidatesQueuedUntilAnswerApplied(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true}).start()
	h.waitState(StateAwaitingAnswer)

	for i := 1; i <= 3; i++ {
		h.deliver(candidateMsg(t, fmt.Sprintf("candidate:%d", i)))
	}
	require.Eventually(t, func() bool { return h.session.Pending() == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.session.Applied())
	assert.Empty(t, h.pc.snapshot().added)

	h.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, RoomID: "apt-123", Description: answerJSON})
	h.waitState(StateConnected)

	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, candidates(h.session.Applied()))
	assert.Equal(t, 0, h.session.Pending())

	h.deliver(candidateMsg(t, "candidate:4"))
	require.Eventually(t, func() bool { return len(h.session.Applied()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.session.Pending())
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3", "candidate:4"}, candidates(h.pc.snapshot().added))
}

func TestResponderQueuesCandidatesBeforeOffer(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()

	h.deliver(candidateMsg(t, "candidate:a"))
	h.deliver(candidateMsg(t, "candidate:b"))
	h.deliver(models.SignalMessage{Type: models.SignalTypeOffer, RoomID: "apt-123", Description: offerJSON})
	h.deliver(candidateMsg(t, "candidate:c"))

	h.waitState(StateAnswerSent)
	require.Eventually(t, func() bool { return len(h.session.Applied()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"candidate:a", "candidate:b", "candidate:c"}, candidates(h.session.Applied()))
}

func TestInvalidCandidatesAreCountedNotFatal(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()
	h.pc.mu.Lock()
	h.pc.badCandidate = "candidate:bad"
	h.pc.mu.Unlock()

	h.deliver(models.SignalMessage{Type: models.SignalTypeOffer, RoomID: "apt-123", Description: offerJSON})
	h.waitState(StateAnswerSent)

	h.deliver(models.SignalMessage{Type: models.SignalTypeCandidate, RoomID: "apt-123", Candidate: json.RawMessage(`"nope"`)})
	h.deliver(candidateMsg(t, "candidate:bad"))
	h.deliver(candidateMsg(t, ""))
	h.deliver(candidateMsg(t, "candidate:good"))

	require.Eventually(t, func() bool { return len(h.session.Applied()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.session.InvalidCandidates())
	assert.Equal(t, StateAnswerSent, h.session.State())
}

func TestLocalCandidatesSentEagerly(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()
	h.waitState(StateAwaitingOffer)

	h.pc.emitCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
	h.pc.emitCandidate(nil)

	require.Eventually(t, func() bool { return len(h.sig.ofType(models.SignalTypeCandidate)) == 1 }, time.Second, 5*time.Millisecond)
	sent := h.sig.ofType(models.SignalTypeCandidate)[0]
	assert.Equal(t, "apt-123", sent.RoomID)

	var init webrtc.ICECandidateInit
	require.NoError(t, json.Unmarshal(sent.Candidate, &init))
	assert.Contains(t, init.Candidate, "10.0.0.1")
	assert.Equal(t, StateAwaitingOffer, h.session.State())
}

func TestProtocolErrorsFailTheAttempt(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		msgs []models.SignalMessage
	}{
		{
			name: "answer to responder",
			cfg:  Config{Role: models.RoleResponder},
			msgs: []models.SignalMessage{{Type: models.SignalTypeAnswer, Description: answerJSON}},
		},
		{
			name: "second offer",
			cfg:  Config{Role: models.RoleResponder},
			msgs: []models.SignalMessage{
				{Type: models.SignalTypeOffer, Description: offerJSON},
				{Type: models.SignalTypeOffer, Description: offerJSON},
			},
		},
		{
			name: "offer to initiator",
			cfg:  Config{Role: models.RoleInitiator},
			msgs: []models.SignalMessage{{Type: models.SignalTypeOffer, Description: offerJSON}},
		},
		{
			name: "answer before offer",
			cfg:  Config{Role: models.RoleInitiator},
			msgs: []models.SignalMessage{{Type: models.SignalTypeAnswer, Description: answerJSON}},
		},
		{
			name: "malformed offer",
			cfg:  Config{Role: models.RoleResponder},
			msgs: []models.SignalMessage{{Type: models.SignalTypeOffer, Description: json.RawMessage(`{"type":"answer","sdp":"x"}`)}},
		},
		{
			name: "missing offer description",
			cfg:  Config{Role: models.RoleResponder},
			msgs: []models.SignalMessage{{Type: models.SignalTypeOffer}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.cfg).start()
			for _, msg := range tc.msgs {
				h.deliver(msg)
			}

			err := h.wait()
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Equal(t, StateFailed, h.session.State())
			assert.Equal(t, 1, h.media.releases())
			assert.True(t, h.pc.snapshot().closed)
		})
	}
}

func TestRemoteDescriptionErrorFails(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder})
	h.pc.remoteErr = errors.New("bad sdp")
	h.start()

	h.deliver(models.SignalMessage{Type: models.SignalTypeOffer, Description: offerJSON})

	err := h.wait()
	assert.ErrorContains(t, err, "bad sdp")
	assert.Equal(t, StateFailed, h.session.State())
}

func TestAnswerTimeout(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true, AnswerTimeout: 40 * time.Millisecond}).start()

	err := h.wait()
	assert.ErrorIs(t, err, ErrAnswerTimeout)
	assert.Equal(t, StateFailed, h.session.State())
	assert.Equal(t, 1, h.media.releases())

	events := drainEvents(h.session)
	assert.True(t, hasEvent(events, EventError))
}

func TestNegativeAnswerTimeoutWaitsIndefinitely(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true, AnswerTimeout: -1}).start()
	h.waitState(StateAwaitingAnswer)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateAwaitingAnswer, h.session.State())
}

func TestPeerLeftClosesAndReleasesMedia(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true}).start()
	h.waitState(StateAwaitingAnswer)
	h.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, Description: answerJSON})
	h.waitState(StateConnected)

	h.deliver(models.SignalMessage{Type: models.SignalTypePeerLeft, RoomID: "apt-123"})

	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, 1, h.media.releases())
	assert.True(t, h.pc.snapshot().closed)

	events := drainEvents(h.session)
	assert.True(t, hasEvent(events, EventPeerLeft))
	assert.Equal(t, StateClosed, events[len(events)-1].State)
}

func TestCaptureFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true})
	h.media.err = errors.New("permission denied")
	h.start()

	err := h.wait()
	var mediaErr *MediaError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, "capture media", mediaErr.Op)
	assert.Equal(t, StateFailed, h.session.State())
	assert.Zero(t, h.pc.snapshot().offers)
	assert.Empty(t, h.sig.ofType(models.SignalTypeOffer))
}

func TestHangupNotifiesCounterpart(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()
	h.waitState(StateAwaitingOffer)

	h.session.Hangup()

	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.session.State())
	assert.Len(t, h.sig.ofType(models.SignalTypeLeave), 1)
	assert.Equal(t, 1, h.media.releases())
}

func TestTransportLostFails(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true}).start()
	h.waitState(StateAwaitingAnswer)

	h.session.TransportLost(errors.New("websocket closed"))

	err := h.wait()
	assert.ErrorIs(t, err, ErrTransportLost)
	assert.Equal(t, StateFailed, h.session.State())
}

func TestTransportLostAfterConnectedCloses(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true}).start()
	h.waitState(StateAwaitingAnswer)
	h.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, RoomID: "apt-123", Description: answerJSON})
	h.waitState(StateConnected)

	h.session.TransportLost(errors.New("websocket closed"))

	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, 1, h.media.releases())
	assert.True(t, h.pc.snapshot().closed)
}

func TestSendFailureFailsAttempt(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleInitiator, PeerPresent: true})
	h.sig.err = errors.New("not connected")
	h.start()

	assert.ErrorIs(t, h.wait(), ErrTransportLost)
}

func TestConnectionFailureFails(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()
	h.waitState(StateAwaitingOffer)

	h.pc.emitState(webrtc.PeerConnectionStateFailed)

	assert.ErrorIs(t, h.wait(), ErrConnectionFailed)
}

func TestCancelClosesAttempt(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()
	h.waitState(StateAwaitingOffer)

	h.cancel()

	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, 1, h.media.releases())

	assert.ErrorIs(t, h.session.Run(context.Background()), ErrAlreadyStarted)
}

func TestBlockedPlaybackKeepsCallUp(t *testing.T) {
	sink := &blockingSink{blocked: true}
	h := newHarness(t, Config{Role: models.RoleResponder}, func(d *Deps) { d.Sink = sink }).start()
	h.deliver(models.SignalMessage{Type: models.SignalTypeOffer, Description: offerJSON})
	h.waitState(StateAnswerSent)

	h.pc.emitTrack()
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-h.session.Events():
				if ev.Kind == EventMediaBlocked {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAnswerSent, h.session.State())

	sink.unblock()
	h.session.ResumePlayback()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.played == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMessagesForOtherRoomsIgnored(t *testing.T) {
	h := newHarness(t, Config{Role: models.RoleResponder}).start()
	h.waitState(StateAwaitingOffer)

	h.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, RoomID: "apt-999", Description: answerJSON})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, StateAwaitingOffer, h.session.State())
}

// pipeSignaler hands every envelope straight to the other session.
type pipeSignaler struct {
	peer *Session
}

func (p *pipeSignaler) Send(_ context.Context, msg models.SignalMessage) error {
	if p.peer != nil {
		p.peer.Deliver(msg)
	}
	return nil
}

func TestRolesFromAppointmentAreExclusive(t *testing.T) {
	apt := models.Appointment{RoomID: "apt-123", PatientID: "patient-1", DoctorID: "doctor-1"}

	pRole, err := apt.RoleFor("patient-1")
	require.NoError(t, err)
	dRole, err := apt.RoleFor("doctor-1")
	require.NoError(t, err)

	pPC, dPC := &fakePeerConnection{}, &fakePeerConnection{}
	pSig, dSig := &pipeSignaler{}, &pipeSignaler{}

	newSession := func(role models.Role, pc *fakePeerConnection, sig Signaler) *Session {
		s, err := NewSession(Config{RoomID: "apt-123", Role: role, PeerPresent: true, SettleDelay: 10 * time.Millisecond}, Deps{
			Signaler:          sig,
			Media:             &fakeMedia{},
			NewPeerConnection: pc.factory(),
			Logger:            logger.Discard(),
		})
		require.NoError(t, err)
		return s
	}
	patient := newSession(pRole, pPC, pSig)
	doctor := newSession(dRole, dPC, dSig)
	pSig.peer, dSig.peer = doctor, patient

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = patient.Run(ctx) }()
	go func() { _ = doctor.Run(ctx) }()

	require.Eventually(t, func() bool {
		return patient.State() == StateConnected && doctor.State() == StateAnswerSent
	}, 2*time.Second, 5*time.Millisecond)

	p, d := pPC.snapshot(), dPC.snapshot()
	assert.Equal(t, 1, p.offers+d.offers)
	assert.Equal(t, 1, p.answers+d.answers)
	assert.Equal(t, 1, p.offers)
	assert.Equal(t, 1, d.answers)
}
