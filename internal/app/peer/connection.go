// Package peer manages one remote participant's transport and the audio
// data channel riding on it.
package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultLabel is the data-channel wire protocol tag.
	DefaultLabel = "voice-audio/1"
	// DefaultHighWater is the buffered byte count above which packets are dropped.
	DefaultHighWater = 64 * 1024
)

type Config struct {
	Label     string
	HighWater uint64
}

func (c Config) withDefaults() Config {
	if c.Label == "" {
		c.Label = DefaultLabel
	}
	if c.HighWater == 0 {
		c.HighWater = DefaultHighWater
	}
	return c
}

// serials numbers Connection instances so events of a replaced connection
// can be told apart from those of its successor.
var serials atomic.Uint64

type Stats struct {
	PacketsSent       uint64 `json:"packets_sent"`
	PacketsDropped    uint64 `json:"packets_dropped"`
	PacketsReceived   uint64 `json:"packets_received"`
	CandidatesDropped uint64 `json:"candidates_dropped"`
}

// Connection is the per-peer state machine. Operations are meant to be
// issued from one coordinating goroutine; transport callbacks only touch
// state under mu and never call back into the owner.
type Connection struct {
	id        domain.PeerID
	serial    uint64
	transport core.Transport
	observer  core.Observer
	cfg       Config
	logger    zerolog.Logger

	mu        sync.RWMutex
	state     domain.ConnectionState
	chState   domain.ChannelState
	channel   core.DataChannel
	offering  bool
	hasRemote bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	sent              atomic.Uint64
	dropped           atomic.Uint64
	received          atomic.Uint64
	candidatesDropped atomic.Uint64
}

func New(id domain.PeerID, transport core.Transport, observer core.Observer, cfg Config) *Connection {
	if observer == nil {
		observer = core.Discard
	}
	c := &Connection{
		id:        id,
		serial:    serials.Add(1),
		transport: transport,
		observer:  observer,
		cfg:       cfg.withDefaults(),
		logger:    log.With().Str("module", "app.peer").Str("peer", string(id)).Logger(),
	}
	transport.OnConnectionStateChange(c.onTransportState)
	transport.OnICECandidate(c.onLocalCandidate)
	transport.OnDataChannel(c.onRemoteChannel)
	return c
}

func (c *Connection) ID() domain.PeerID { return c.id }

// Serial is unique per Connection within the process.
func (c *Connection) Serial() uint64 { return c.serial }

func (c *Connection) ConnectionState() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) ChannelState() domain.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chState
}

func (c *Connection) Stats() Stats {
	return Stats{
		PacketsSent:       c.sent.Load(),
		PacketsDropped:    c.dropped.Load(),
		PacketsReceived:   c.received.Load(),
		CandidatesDropped: c.candidatesDropped.Load(),
	}
}

// CreateOffer opens the audio channel, then produces and applies the local
// offer. The channel has to exist first so the offer announces it.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	const op = "create offer"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state.Terminal() {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, ErrPeerClosed)
	}
	if c.offering {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, ErrNegotiationInFlight)
	}

	if c.channel == nil {
		ordered := false
		maxRetransmits := uint16(0)
		dc, err := c.transport.CreateDataChannel(c.cfg.Label, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		})
		if err != nil {
			return webrtc.SessionDescription{}, negotiationError(op, c.id, fmt.Errorf("create data channel: %w", err))
		}
		c.bindChannelLocked(dc)
	}

	offer, err := c.transport.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, err)
	}
	if err := c.transport.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, fmt.Errorf("set local description: %w", err))
	}
	c.offering = true
	c.logger.Info().Msg("offer created")
	return offer, nil
}

// CreateAnswer applies a remote offer and produces the local answer.
func (c *Connection) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	const op = "create answer"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state.Terminal() {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, ErrPeerClosed)
	}
	if remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, negotiationError(op, c.id,
			fmt.Errorf("%w: got %s, want offer", ErrUnexpectedDescription, remote.Type))
	}
	if c.offering {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, ErrNegotiationInFlight)
	}
	if err := announcesDataChannel(remote.SDP); err != nil {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, err)
	}

	if err := c.applyRemoteLocked(remote); err != nil {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, err)
	}

	answer, err := c.transport.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, err)
	}
	if err := c.transport.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, negotiationError(op, c.id, fmt.Errorf("set local description: %w", err))
	}
	c.logger.Info().Msg("answer created")
	return answer, nil
}

// SetRemoteDescription applies a remote offer or answer and drains queued
// candidates in arrival order.
func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	const op = "set remote description"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state.Terminal() {
		return negotiationError(op, c.id, ErrPeerClosed)
	}
	switch desc.Type {
	case webrtc.SDPTypeAnswer:
		if !c.offering {
			return negotiationError(op, c.id, fmt.Errorf("%w: answer without offer", ErrUnexpectedDescription))
		}
	case webrtc.SDPTypeOffer:
		if c.offering {
			return negotiationError(op, c.id, ErrNegotiationInFlight)
		}
	default:
		return negotiationError(op, c.id, fmt.Errorf("%w: %s", ErrUnexpectedDescription, desc.Type))
	}

	if err := c.applyRemoteLocked(desc); err != nil {
		return negotiationError(op, c.id, err)
	}
	if desc.Type == webrtc.SDPTypeAnswer {
		c.offering = false
	}
	return nil
}

func (c *Connection) applyRemoteLocked(desc webrtc.SessionDescription) error {
	if err := c.transport.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.hasRemote = true

	pending := c.pending
	c.pending = nil
	if len(pending) > 0 {
		c.logger.Debug().Int("count", len(pending)).Msg("draining queued candidates")
	}
	for _, cand := range pending {
		c.applyCandidateLocked(cand)
	}
	return nil
}

// AddICECandidate applies a remote candidate, or queues it until a remote
// description exists. Rejected candidates are counted and dropped.
func (c *Connection) AddICECandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state.Terminal() {
		c.logger.Debug().Str("candidate", cand.Candidate).Msg("candidate after close ignored")
		return
	}
	if !c.hasRemote {
		c.pending = append(c.pending, cand)
		c.logger.Debug().Int("queued", len(c.pending)).Msg("candidate queued")
		return
	}
	c.applyCandidateLocked(cand)
}

func (c *Connection) applyCandidateLocked(cand webrtc.ICECandidateInit) {
	if err := c.transport.AddICECandidate(cand); err != nil {
		dropped := c.candidatesDropped.Add(1)
		c.logger.Warn().Err(err).
			Str("candidate", cand.Candidate).
			Uint64("candidates_dropped", dropped).
			Msg("candidate rejected, dropped")
	}
}

// SendAudioPacket writes one packet. It returns false, and drops the packet,
// when the channel is not open, the connection is terminal, the channel is
// over its high-water mark, or the write fails.
func (c *Connection) SendAudioPacket(data core.Frame) bool {
	c.mu.RLock()
	ch := c.channel
	usable := ch != nil && c.chState == domain.ChannelStateOpen && !c.closed && !c.state.Terminal()
	c.mu.RUnlock()

	if !usable {
		c.drop(ErrChannelUnavailable)
		return false
	}
	if ch.BufferedAmount() > c.cfg.HighWater {
		c.drop(ErrBackpressure)
		return false
	}
	if err := ch.Send(data); err != nil {
		c.drop(err)
		return false
	}
	c.sent.Add(1)
	return true
}

func (c *Connection) drop(reason error) {
	n := c.dropped.Add(1)
	if e := c.logger.Debug(); e.Enabled() {
		e.Err(reason).Uint64("packets_dropped", n).Msg("audio packet dropped")
	}
}

// Close tears down the channel and the transport. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ch := c.channel
	prevChannel := c.chState
	c.state = domain.ConnectionStateClosed
	c.chState = domain.ChannelStateClosed
	c.pending = nil
	c.offering = false
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("data channel close error")
		}
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Error().Err(err).Msg("transport close error")
	} else {
		c.logger.Info().Msg("closed")
	}

	c.observer.OnEvent(core.StateChanged{ID: c.id, State: domain.ConnectionStateClosed})
	if prevChannel != domain.ChannelStateClosed {
		c.observer.OnEvent(core.ChannelChanged{ID: c.id, State: domain.ChannelStateClosed})
	}
}

func (c *Connection) onTransportState(s webrtc.PeerConnectionState) {
	next, ok := fromTransportState(s)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.closed || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	// Closed is reserved for an explicit Close().
	if next == domain.ConnectionStateClosed {
		next = domain.ConnectionStateFailed
	}
	if next == c.state {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next
	c.mu.Unlock()

	c.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("connection state")
	c.observer.OnEvent(core.StateChanged{ID: c.id, State: next})
}

func (c *Connection) onLocalCandidate(cand webrtc.ICECandidateInit) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	c.observer.OnEvent(core.CandidateProduced{ID: c.id, Serial: c.serial, Candidate: cand})
}

func (c *Connection) onRemoteChannel(dc core.DataChannel) {
	if dc.Label() != c.cfg.Label {
		c.logger.Warn().Str("label", dc.Label()).Str("want", c.cfg.Label).Msg("rejecting data channel with foreign protocol tag")
		_ = dc.Close()
		return
	}
	c.mu.Lock()
	if c.closed || c.channel != nil {
		c.mu.Unlock()
		c.logger.Warn().Str("label", dc.Label()).Msg("rejecting extra data channel")
		_ = dc.Close()
		return
	}
	c.bindChannelLocked(dc)
	c.mu.Unlock()
	c.logger.Info().Str("label", dc.Label()).Msg("remote audio channel announced")
}

func (c *Connection) bindChannelLocked(dc core.DataChannel) {
	c.channel = dc
	dc.OnOpen(c.onChannelOpen)
	dc.OnClose(c.onChannelClose)
	dc.OnMessage(c.onChannelMessage)
}

func (c *Connection) onChannelOpen() {
	c.setChannelState(domain.ChannelStateOpen)
}

func (c *Connection) onChannelClose() {
	c.setChannelState(domain.ChannelStateClosed)
}

func (c *Connection) setChannelState(next domain.ChannelState) {
	c.mu.Lock()
	if c.closed || c.chState == next || c.chState == domain.ChannelStateClosed {
		c.mu.Unlock()
		return
	}
	c.chState = next
	c.mu.Unlock()

	c.logger.Info().Str("channel_state", next.String()).Msg("channel state")
	c.observer.OnEvent(core.ChannelChanged{ID: c.id, State: next})
}

func (c *Connection) onChannelMessage(data core.Frame) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	c.received.Add(1)
	c.observer.OnEvent(core.PacketReceived{ID: c.id, Data: append(core.Frame(nil), data...)})
}

func fromTransportState(s webrtc.PeerConnectionState) (domain.ConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnectionStateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed, true
	default:
		return 0, false
	}
}

// announcesDataChannel checks that an offer carries an SCTP application
// section, i.e. the offering side created the audio channel.
func announcesDataChannel(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedDescription, err)
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "application" {
			return nil
		}
	}
	return ErrNoAudioChannel
}
