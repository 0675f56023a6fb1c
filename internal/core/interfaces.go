package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalJoin         SignalType = "join"
	SignalLeave        SignalType = "leave"
	SignalPing         SignalType = "ping"
	SignalPong         SignalType = "pong"
	SignalRoomState    SignalType = "room_state"
	SignalMemberJoined SignalType = "member_joined"
	SignalMemberLeft   SignalType = "member_left"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalCandidate    SignalType = "candidate"
	SignalError        SignalType = "error"
)

// SignalMessage is the envelope exchanged with the signaling server.
// From/To address a single remote peer; Members carries the room roster.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	Room      domain.ChannelID         `json:"room,omitempty"`
	From      domain.PeerID            `json:"from,omitempty"`
	To        domain.PeerID            `json:"to,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Protocol  string                   `json:"protocol,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Members   []domain.PeerID          `json:"members,omitempty"`
	Peer      domain.PeerID            `json:"peer,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Description converts an offer/answer message into a session description.
func (m SignalMessage) Description() (webrtc.SessionDescription, bool) {
	switch m.Type {
	case SignalOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}, true
	case SignalAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}, true
	default:
		return webrtc.SessionDescription{}, false
	}
}
