package negotiation

// EventKind identifies what an Event reports. EventState accompanies every
// transition; EventConnection reports transport-level connectivity changes.
type EventKind string

const (
	EventState        EventKind = "state"
	EventConnection   EventKind = "connection"
	EventPeerLeft     EventKind = "peer-left"
	EventMediaBlocked EventKind = "media-blocked"
	EventRemoteTrack  EventKind = "remote-track"
	EventError        EventKind = "error"
)

// Event is a notification for the UI layer.
type Event struct {
	Kind       EventKind
	State      State
	Connection ConnectionStatus
	TrackID    string
	Err        error
}
