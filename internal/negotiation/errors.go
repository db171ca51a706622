package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrAnswerTimeout    = errors.New("no answer received before timeout")
	ErrProtocol         = errors.New("negotiation protocol violation")
	ErrTransportLost    = errors.New("signaling transport lost")
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrPlaybackBlocked  = errors.New("remote media playback blocked")
	ErrAlreadyStarted   = errors.New("negotiation attempt already started")
)

// MediaError reports a failure acquiring or attaching local media. It is
// terminal for the attempt and surfaced to the caller of Run.
type MediaError struct {
	Op  string
	Err error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
