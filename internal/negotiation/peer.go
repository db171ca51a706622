package negotiation

import (
	"fmt"
	"log/slog"

	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection a session drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerConnectionFactory creates the peer connection for one attempt.
type PeerConnectionFactory func(cfg webrtc.Configuration) (PeerConnection, error)

// FactoryOptions tune the pion API shared by every attempt.
type FactoryOptions struct {
	// IncludeLoopback gathers 127.0.0.1 host candidates, for single-host calls.
	IncludeLoopback bool
}

// NewPionFactory builds a pion API with the default codecs and pion's logs
// routed into log.
func NewPionFactory(log *slog.Logger, opts FactoryOptions) (PeerConnectionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: logger.NewPionFactory(log)}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}

// ICEServers converts STUN/TURN urls to pion configuration.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
