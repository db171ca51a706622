package negotiation

import "github.com/pion/webrtc/v4"

// candidateQueue holds remote ICE candidates that arrive before the remote
// description is set. Once it is set, the queue is drained in arrival order and
// every later candidate bypasses it.
type candidateQueue struct {
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// push queues c and reports true while the remote description is unset.
func (q *candidateQueue) push(c webrtc.ICECandidateInit) bool {
	if q.remoteSet {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

// markRemoteSet flips the queue to pass-through and returns the backlog.
func (q *candidateQueue) markRemoteSet() []webrtc.ICECandidateInit {
	q.remoteSet = true
	backlog := q.pending
	q.pending = nil
	return backlog
}

func (q *candidateQueue) len() int {
	return len(q.pending)
}
