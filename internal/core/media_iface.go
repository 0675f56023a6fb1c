package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Transport is one remote participant's transport primitive.
// Owned by a peer.Connection; the adapter must release it on Close().
type Transport interface {
	// CreateDataChannel announces a locally opened data channel.
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnConnectionStateChange sets a callback for negotiated state changes.
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnDataChannel sets a callback for channels opened by the remote side.
	OnDataChannel(func(DataChannel))
	Close() error
}

// DataChannel is a byte sub-channel riding on a Transport.
type DataChannel interface {
	Label() string
	Send(Frame) error
	// BufferedAmount is the number of bytes queued but not yet sent.
	BufferedAmount() uint64
	OnOpen(func())
	OnClose(func())
	OnMessage(func(Frame))
	Close() error
}

// TransportFactory creates a fresh Transport per remote peer.
type TransportFactory interface {
	NewTransport(peer domain.PeerID) (Transport, error)
}

// AudioSink is the codec-facing side of inbound audio.
type AudioSink interface {
	OnAudioPacket(peer domain.PeerID, data Frame)
}
