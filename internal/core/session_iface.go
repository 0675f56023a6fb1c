package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Event is one of the fixed notifications a peer or the registry emits.
// Consumers type-switch over the variants below.
type Event interface {
	Peer() domain.PeerID
	isEvent()
}

type StateChanged struct {
	ID    domain.PeerID
	State domain.ConnectionState
}

type ChannelChanged struct {
	ID    domain.PeerID
	State domain.ChannelState
}

type CandidateProduced struct {
	ID        domain.PeerID
	Serial    uint64 // connection that gathered it
	Candidate webrtc.ICECandidateInit
}

type PacketReceived struct {
	ID   domain.PeerID
	Data Frame
}

type OfferProduced struct {
	ID          domain.PeerID
	Description webrtc.SessionDescription
}

type AnswerProduced struct {
	ID          domain.PeerID
	Description webrtc.SessionDescription
}

func (e StateChanged) Peer() domain.PeerID      { return e.ID }
func (e ChannelChanged) Peer() domain.PeerID    { return e.ID }
func (e CandidateProduced) Peer() domain.PeerID { return e.ID }
func (e PacketReceived) Peer() domain.PeerID    { return e.ID }
func (e OfferProduced) Peer() domain.PeerID     { return e.ID }
func (e AnswerProduced) Peer() domain.PeerID    { return e.ID }

func (StateChanged) isEvent()      {}
func (ChannelChanged) isEvent()    {}
func (CandidateProduced) isEvent() {}
func (PacketReceived) isEvent()    {}
func (OfferProduced) isEvent()     {}
func (AnswerProduced) isEvent()    {}

// Observer receives events. Implementations must not call back into the
// registry synchronously; queue and apply on the owning loop instead.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})
