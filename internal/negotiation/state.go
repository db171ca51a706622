package negotiation

// State is a checkpoint of one negotiation attempt.
type State string

const (
	StateIdle           State = "idle"
	StateCapturingMedia State = "capturing-media"
	StateRoleAssigned   State = "role-assigned"
	StateOfferSent      State = "offer-sent"
	StateAwaitingAnswer State = "awaiting-answer"
	StateAwaitingOffer  State = "awaiting-offer"
	StateAnswerSent     State = "answer-sent"
	StateConnected      State = "connected"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// ConnectionStatus is the user-facing connection text.
type ConnectionStatus string

const (
	ConnectionNew          ConnectionStatus = "new"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionFailed       ConnectionStatus = "failed"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection derives the connection status shown to the user from s.
func (s State) Connection() ConnectionStatus {
	switch s {
	case StateIdle, StateCapturingMedia, StateRoleAssigned:
		return ConnectionNew
	case StateOfferSent, StateAwaitingAnswer, StateAwaitingOffer, StateAnswerSent:
		return ConnectionConnecting
	case StateConnected:
		return ConnectionConnected
	case StateFailed:
		return ConnectionFailed
	default:
		return ConnectionDisconnected
	}
}
