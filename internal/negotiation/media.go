package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource acquires local capture for one attempt. Release stops capture
// and must be safe to call more than once.
type MediaSource interface {
	Capture(ctx context.Context) ([]webrtc.TrackLocal, error)
	Release()
}

// TrackSink plays remote media. Play returns ErrPlaybackBlocked when a
// platform policy needs a user gesture first; the call stays up.
type TrackSink interface {
	Play(track *webrtc.TrackRemote) error
}

// DiscardSink reads and drops remote RTP so pion's buffers never fill.
type DiscardSink struct{}

func (DiscardSink) Play(track *webrtc.TrackRemote) error {
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
	return nil
}

const audioFrame = 20 * time.Millisecond

// Opus TOC byte for a 20ms silent frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticMedia stands in for camera and microphone capture on headless
// participants: an Opus track carrying silence and an idle VP8 track.
type SyntheticMedia struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *SyntheticMedia) Capture(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "participant-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	m.Release()

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go pumpSilence(pumpCtx, audio, done)

	return []webrtc.TrackLocal{audio, video}, nil
}

func (m *SyntheticMedia) Release() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := track.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}
}
