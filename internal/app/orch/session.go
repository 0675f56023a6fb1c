package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/peer"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSignalingClosed = errors.New("signaling closed")
	ErrSessionDone     = errors.New("session is not running")
)

// maxPendingPackets bounds inbound audio queued for the loop; older control
// events are never dropped.
const maxPendingPackets = 512

type Config struct {
	Channel  domain.ChannelID
	Local    domain.PeerID
	Protocol string
	Peer     peer.Config
}

// Deps are the collaborators a Session drives. Sink, Policy and Audio are
// optional.
type Deps struct {
	Factory  core.TransportFactory
	Signaler core.Signaler
	Sink     core.AudioSink
	Policy   app.Policy
	Audio    <-chan core.Frame
}

// Session is the voice-room controller. Run owns every registry mutation;
// transport callbacks only queue events through OnEvent.
type Session struct {
	cfg      Config
	registry *app.Registry
	signaler core.Signaler
	sink     core.AudioSink
	policy   app.Policy
	audio    <-chan core.Frame
	logger   zerolog.Logger

	mu      sync.Mutex
	pending []core.Event
	packets int
	wake    chan struct{}

	cmds chan func(*app.Registry)
	done chan struct{}

	// loop-owned
	roster    map[domain.PeerID]struct{}
	described map[domain.PeerID]bool
	held      map[domain.PeerID][]webrtc.ICECandidateInit
}

func NewSession(cfg Config, deps Deps) *Session {
	if cfg.Protocol == "" {
		cfg.Protocol = peer.DefaultLabel
	}
	cfg.Peer.Label = cfg.Protocol
	s := &Session{
		cfg:       cfg,
		signaler:  deps.Signaler,
		sink:      deps.Sink,
		policy:    deps.Policy,
		audio:     deps.Audio,
		logger:    log.With().Str("module", "app.orch").Str("local", string(cfg.Local)).Logger(),
		wake:      make(chan struct{}, 1),
		cmds:      make(chan func(*app.Registry)),
		done:      make(chan struct{}),
		roster:    make(map[domain.PeerID]struct{}),
		described: make(map[domain.PeerID]bool),
		held:      make(map[domain.PeerID][]webrtc.ICECandidateInit),
	}
	if s.policy == nil {
		s.policy = app.SimplePolicy{}
	}
	s.registry = app.NewRegistry(deps.Factory, s, cfg.Peer)
	return s
}

// Registry exposes the registry for read-only queries. Mutations go
// through Do.
func (s *Session) Registry() *app.Registry { return s.registry }

// OnEvent queues ev for the loop. Safe from any goroutine, never blocks.
func (s *Session) OnEvent(ev core.Event) {
	s.mu.Lock()
	if _, ok := ev.(core.PacketReceived); ok {
		if s.packets >= maxPendingPackets {
			s.mu.Unlock()
			return
		}
		s.packets++
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop goroutine. It returns once the loop has taken fn,
// or ErrSessionDone when Run has returned.
func (s *Session) Do(ctx context.Context, fn func(*app.Registry)) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.done:
		return ErrSessionDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick removes a peer on the loop. The peer stays in the roster, so a later
// offer or member_joined brings it back.
func (s *Session) Kick(ctx context.Context, id domain.PeerID) error {
	return s.Do(ctx, func(*app.Registry) {
		s.logger.Info().Str("peer", string(id)).Msg("peer kicked")
		s.removePeer(id)
	})
}

// Run joins the channel and serves signaling, events and local audio until
// ctx is cancelled or signaling closes. On return the channel has been left.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	if err := s.registry.JoinChannel(s.cfg.Channel, s.cfg.Local); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer s.leave()

	s.send(core.SignalMessage{Type: core.SignalJoin, Room: s.cfg.Channel, From: s.cfg.Local, Protocol: s.cfg.Protocol})
	s.logger.Info().Str("channel", string(s.cfg.Channel)).Msg("session started")

	incoming := s.signaler.Incoming()
	audio := s.audio
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return ErrSignalingClosed
			}
			s.handleSignal(msg)
		case <-s.wake:
			s.drainEvents()
		case frame, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			res := s.registry.BroadcastAudioPacket(frame)
			if len(res.Dropped) > 0 {
				s.logger.Debug().Int("sent", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast partially delivered")
			}
		case fn := <-s.cmds:
			fn(s.registry)
		}
	}
}

func (s *Session) leave() {
	s.send(core.SignalMessage{Type: core.SignalLeave, Room: s.cfg.Channel, From: s.cfg.Local})
	s.registry.LeaveChannel(s.cfg.Local)
	s.logger.Info().Str("channel", string(s.cfg.Channel)).Msg("session stopped")
}

func (s *Session) send(msg core.SignalMessage) {
	if err := s.signaler.TrySend(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type)).Str("to", string(msg.To)).Msg("signal not sent")
	}
}

func (s *Session) handleSignal(msg core.SignalMessage) {
	if msg.Room != "" && msg.Room != s.cfg.Channel {
		s.logger.Debug().Str("room", string(msg.Room)).Str("type", string(msg.Type)).Msg("signal for another room")
		return
	}
	if msg.To != "" && msg.To != s.cfg.Local {
		return
	}

	switch msg.Type {
	case core.SignalRoomState:
		s.onRoomState(msg.Members)
	case core.SignalMemberJoined:
		s.onMemberJoined(msg.Peer)
	case core.SignalMemberLeft:
		s.onMemberLeft(msg.Peer)
	case core.SignalOffer:
		s.onOffer(msg)
	case core.SignalAnswer:
		desc, _ := msg.Description()
		if err := s.registry.HandleAnswer(msg.From, desc); err != nil {
			s.logger.Warn().Err(err).Str("peer", string(msg.From)).Msg("answer rejected")
		}
	case core.SignalCandidate:
		if msg.Candidate == nil {
			return
		}
		s.registry.HandleICECandidate(msg.From, *msg.Candidate)
	case core.SignalPing:
		s.send(core.SignalMessage{Type: core.SignalPong, From: s.cfg.Local})
	case core.SignalError:
		s.logger.Warn().Str("from", string(msg.From)).Str("error", msg.Error).Msg("signaling error")
	case core.SignalPong:
	default:
		s.logger.Debug().Str("type", string(msg.Type)).Msg("unknown signal")
	}
}

func (s *Session) onRoomState(members []domain.PeerID) {
	next := make(map[domain.PeerID]struct{}, len(members))
	for _, id := range members {
		if id != "" && id != s.cfg.Local {
			next[id] = struct{}{}
		}
	}
	for id := range s.roster {
		if _, ok := next[id]; !ok {
			s.removePeer(id)
		}
	}
	s.roster = next
	for id := range next {
		s.connect(id)
	}
}

func (s *Session) onMemberJoined(id domain.PeerID) {
	if id == "" || id == s.cfg.Local {
		return
	}
	s.roster[id] = struct{}{}
	s.connect(id)
}

func (s *Session) onMemberLeft(id domain.PeerID) {
	delete(s.roster, id)
	s.removePeer(id)
}

// connect adds id unless it is already known. The participant with the
// smaller id offers, so both sides never offer at once.
func (s *Session) connect(id domain.PeerID) {
	if _, ok := s.registry.Peer(id); ok {
		return
	}
	if _, err := s.registry.AddPeer(id, s.initiates(id)); err != nil {
		s.logger.Warn().Err(err).Str("peer", string(id)).Msg("add peer failed")
	}
}

func (s *Session) initiates(id domain.PeerID) bool {
	return s.cfg.Local < id
}

func (s *Session) onOffer(msg core.SignalMessage) {
	from := msg.From
	if msg.Protocol != s.cfg.Protocol {
		s.logger.Warn().Str("peer", string(from)).Str("protocol", msg.Protocol).Msg("offer with foreign protocol")
		s.send(core.SignalMessage{
			Type:  core.SignalError,
			Room:  s.cfg.Channel,
			From:  s.cfg.Local,
			To:    from,
			Error: fmt.Sprintf("unsupported protocol %q, want %q", msg.Protocol, s.cfg.Protocol),
		})
		return
	}
	// A renegotiating peer may still have its failed connection here.
	if p, ok := s.registry.Peer(from); ok && p.ConnectionState().Terminal() {
		s.removePeer(from)
	}

	desc, _ := msg.Description()
	if _, err := s.registry.HandleOffer(from, desc); err != nil {
		s.logger.Warn().Err(err).Str("peer", string(from)).Msg("offer rejected")
		s.send(core.SignalMessage{Type: core.SignalError, Room: s.cfg.Channel, From: s.cfg.Local, To: from, Error: err.Error()})
	}
}

func (s *Session) removePeer(id domain.PeerID) {
	delete(s.described, id)
	delete(s.held, id)
	s.registry.RemovePeer(id)
	if f, ok := s.sink.(interface{ Forget(domain.PeerID) }); ok {
		f.Forget(id)
	}
}

func (s *Session) drainEvents() {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.packets = 0
	s.mu.Unlock()

	for _, ev := range events {
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.OfferProduced:
		s.send(core.SignalMessage{
			Type:     core.SignalOffer,
			Room:     s.cfg.Channel,
			From:     s.cfg.Local,
			To:       e.ID,
			SDP:      e.Description.SDP,
			Protocol: s.cfg.Protocol,
		})
		s.flushCandidates(e.ID)
	case core.AnswerProduced:
		s.send(core.SignalMessage{
			Type:     core.SignalAnswer,
			Room:     s.cfg.Channel,
			From:     s.cfg.Local,
			To:       e.ID,
			SDP:      e.Description.SDP,
			Protocol: s.cfg.Protocol,
		})
		s.flushCandidates(e.ID)
	case core.CandidateProduced:
		if p, ok := s.registry.Peer(e.ID); !ok || p.Serial() != e.Serial {
			s.logger.Debug().Str("peer", string(e.ID)).Msg("candidate of a removed connection dropped")
			return
		}
		if !s.described[e.ID] {
			s.held[e.ID] = append(s.held[e.ID], e.Candidate)
			return
		}
		s.sendCandidate(e.ID, e.Candidate)
	case core.PacketReceived:
		if s.sink != nil {
			s.sink.OnAudioPacket(e.ID, e.Data)
		}
	case core.ChannelChanged:
		s.logger.Debug().Str("peer", string(e.ID)).Str("channel", e.State.String()).Msg("audio channel state")
	case core.StateChanged:
		s.onPeerState(e.ID, e.State)
	}
}

func (s *Session) flushCandidates(id domain.PeerID) {
	s.described[id] = true
	held := s.held[id]
	delete(s.held, id)
	for _, c := range held {
		s.sendCandidate(id, c)
	}
}

func (s *Session) sendCandidate(id domain.PeerID, c webrtc.ICECandidateInit) {
	cand := c
	s.send(core.SignalMessage{Type: core.SignalCandidate, Room: s.cfg.Channel, From: s.cfg.Local, To: id, Candidate: &cand})
}

func (s *Session) onPeerState(id domain.PeerID, state domain.ConnectionState) {
	s.logger.Info().Str("peer", string(id)).Str("state", state.String()).Msg("peer state")
	if state == domain.ConnectionStateClosed {
		return
	}
	// Events of a replaced connection are stale.
	if p, ok := s.registry.Peer(id); !ok || p.ConnectionState() != state {
		return
	}

	switch s.policy.OnPeerState(id, state) {
	case app.RemovePeer:
		s.removePeer(id)
	case app.Reconnect:
		s.removePeer(id)
		if _, ok := s.roster[id]; ok && s.initiates(id) {
			s.logger.Info().Str("peer", string(id)).Msg("reconnecting")
			s.connect(id)
		}
	case app.NoAction:
	}
}
