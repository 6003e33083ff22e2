package domain

import "time"

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionChecking     ConnectionState = "checking"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Terminal reports whether no further transition can leave s.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionFailed || s == ConnectionClosed
}

type SignalingState string

const (
	SignalingStable             SignalingState = "stable"
	SignalingHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingClosed             SignalingState = "closed"
)

// NegotiationPhase is the per-peer offer/answer state machine.
type NegotiationPhase string

const (
	PhaseStable         NegotiationPhase = "stable"
	PhaseMakingOffer    NegotiationPhase = "making-offer"
	PhaseAwaitingAnswer NegotiationPhase = "awaiting-answer"
	PhaseApplyingAnswer NegotiationPhase = "applying-answer"
	PhaseAnswering      NegotiationPhase = "answering"
)

// PeerConnectionState is the observable status of the connection to one
// remote participant. The connection handle itself never leaves the
// orchestrator.
type PeerConnectionState struct {
	RemoteID           ParticipantID
	RemoteSessionID    SessionID
	Polite             bool
	State              ConnectionState
	ICEState           string
	SignalingState     SignalingState
	Phase              NegotiationPhase
	IgnoreOffer        bool
	PendingCandidates  int // buffered until a remote description exists
	ReceivedCandidates int
	AppliedCandidates  int
	ReconnectAttempts  int
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsPolite decides the perfect-negotiation role of the local side for the
// pair: the lexicographically greater participant is polite. A room holds
// one live session per participant, so ids alone break the tie.
func IsPolite(local, remote ParticipantID) bool {
	return local > remote
}

type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPPranswer SDPType = "pranswer"
	SDPRollback SDPType = "rollback"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
