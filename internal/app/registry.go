package app

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/voicemesh/internal/app/peer"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined   = errors.New("not joined to a voice channel")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrSelfPeer    = errors.New("peer is the local participant")
)

// BroadcastResult reports fan-out delivery. Partial delivery is normal.
type BroadcastResult struct {
	SentTo  int
	Skipped int
	Dropped []domain.PeerID
}

// PeerStatus is a read-only view for APIs.
type PeerStatus struct {
	ID              domain.PeerID          `json:"id"`
	ConnectionState domain.ConnectionState `json:"connection_state"`
	ChannelState    domain.ChannelState    `json:"channel_state"`
	Stats           peer.Stats             `json:"stats"`
}

// Registry owns every peer connection of the joined voice channel and is
// the single entry point for signaling and audio fan-out. The peers map is
// only mutated by Registry methods.
type Registry struct {
	factory  core.TransportFactory
	observer core.Observer
	peerCfg  peer.Config

	mu      sync.RWMutex
	joined  bool
	channel domain.ChannelID
	local   domain.PeerID
	peers   map[domain.PeerID]*peer.Connection
}

func NewRegistry(factory core.TransportFactory, observer core.Observer, cfg peer.Config) *Registry {
	if observer == nil {
		observer = core.Discard
	}
	return &Registry{
		factory:  factory,
		observer: observer,
		peerCfg:  cfg,
		peers:    make(map[domain.PeerID]*peer.Connection),
	}
}

// JoinChannel records the joined room. Peers are added individually as the
// roster discovers them. Joining another room leaves the current one first.
func (r *Registry) JoinChannel(channel domain.ChannelID, local domain.PeerID) error {
	if _, err := domain.ParseChannelID(string(channel)); err != nil {
		return fmt.Errorf("join channel: %w", err)
	}
	if _, err := domain.ParsePeerID(string(local)); err != nil {
		return fmt.Errorf("join channel: local peer: %w", err)
	}

	r.mu.RLock()
	joined, current, currentLocal := r.joined, r.channel, r.local
	r.mu.RUnlock()
	if joined {
		if current == channel && currentLocal == local {
			return nil
		}
		r.LeaveChannel(currentLocal)
	}

	r.mu.Lock()
	r.joined = true
	r.channel = channel
	r.local = local
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("channel", string(channel)).Str("local", string(local)).Msg("joined channel")
	return nil
}

// LeaveChannel closes every peer and clears the channel. Idempotent.
func (r *Registry) LeaveChannel(local domain.PeerID) {
	r.mu.Lock()
	if !r.joined {
		r.mu.Unlock()
		return
	}
	peers := r.peers
	channel := r.channel
	r.peers = make(map[domain.PeerID]*peer.Connection)
	r.joined = false
	r.channel = ""
	r.local = ""
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	log.Info().Str("module", "app.registry").Str("channel", string(channel)).Str("local", string(local)).Int("closed", len(peers)).Msg("left channel")
}

// AddPeer registers a peer, or returns the existing connection for id.
// An initiator immediately creates the offer and emits OfferProduced.
func (r *Registry) AddPeer(id domain.PeerID, initiator bool) (*peer.Connection, error) {
	p, created, err := r.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	if !created || !initiator {
		return p, nil
	}

	offer, err := p.CreateOffer()
	if err != nil {
		r.discard(id, p)
		return nil, err
	}
	r.observer.OnEvent(core.OfferProduced{ID: id, Description: offer})
	return p, nil
}

// RemovePeer closes and forgets one peer; no-op if absent.
func (r *Registry) RemovePeer(id domain.PeerID) {
	r.mu.Lock()
	p, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	p.Close()
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("peer removed")
}

// HandleOffer answers an offer, creating a non-initiating peer when id has
// not been seen yet. The answer is returned and emitted as AnswerProduced.
func (r *Registry) HandleOffer(id domain.PeerID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p, created, err := r.getOrCreate(id)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.CreateAnswer(offer)
	if err != nil {
		if created {
			r.discard(id, p)
		}
		return webrtc.SessionDescription{}, err
	}
	r.observer.OnEvent(core.AnswerProduced{ID: id, Description: answer})
	return answer, nil
}

// HandleAnswer applies an answer. Unknown peers are ignored: late signaling
// for a peer that already left is normal.
func (r *Registry) HandleAnswer(id domain.PeerID, answer webrtc.SessionDescription) error {
	p, err := r.lookup(id)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.registry").Str("peer", string(id)).Msg("answer ignored")
		return nil
	}
	return p.SetRemoteDescription(answer)
}

// HandleICECandidate forwards a candidate; unknown peers are ignored.
func (r *Registry) HandleICECandidate(id domain.PeerID, cand webrtc.ICECandidateInit) {
	p, err := r.lookup(id)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.registry").Str("peer", string(id)).Msg("candidate ignored")
		return
	}
	p.AddICECandidate(cand)
}

// BroadcastAudioPacket sends data to every connected peer. Peers in any
// other state are skipped; failed sends are dropped, not retried.
func (r *Registry) BroadcastAudioPacket(data core.Frame) BroadcastResult {
	r.mu.RLock()
	snapshot := make([]*peer.Connection, 0, len(r.peers))
	for _, p := range r.peers {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	res := BroadcastResult{}
	for _, p := range snapshot {
		if p.ConnectionState() != domain.ConnectionStateConnected {
			res.Skipped++
			continue
		}
		if p.SendAudioPacket(data) {
			res.SentTo++
			continue
		}
		res.Dropped = append(res.Dropped, p.ID())
	}
	return res
}

func (r *Registry) CurrentChannel() (domain.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel, r.joined
}

func (r *Registry) LocalPeer() domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

func (r *Registry) Peer(id domain.PeerID) (*peer.Connection, bool) {
	p, err := r.lookup(id)
	return p, err == nil
}

// Peers returns a copy of the peers map.
func (r *Registry) Peers() map[domain.PeerID]*peer.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.PeerID]*peer.Connection, len(r.peers))
	for id, p := range r.peers {
		out[id] = p
	}
	return out
}

// Snapshot returns peer statuses ordered by id.
func (r *Registry) Snapshot() []PeerStatus {
	r.mu.RLock()
	out := make([]PeerStatus, 0, len(r.peers))
	for id, p := range r.peers {
		out = append(out, PeerStatus{
			ID:              id,
			ConnectionState: p.ConnectionState(),
			ChannelState:    p.ChannelState(),
			Stats:           p.Stats(),
		})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerStatus) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Registry) lookup(id domain.PeerID) (*peer.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return p, nil
}

func (r *Registry) getOrCreate(id domain.PeerID) (*peer.Connection, bool, error) {
	if _, err := domain.ParsePeerID(string(id)); err != nil {
		return nil, false, fmt.Errorf("add peer: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return nil, false, ErrNotJoined
	}
	if id == r.local {
		return nil, false, ErrSelfPeer
	}
	if p, ok := r.peers[id]; ok {
		return p, false, nil
	}

	tr, err := r.factory.NewTransport(id)
	if err != nil {
		return nil, false, fmt.Errorf("create transport for %s: %w", id, err)
	}
	p := peer.New(id, tr, r.observer, r.peerCfg)
	r.peers[id] = p
	log.Info().Str("module", "app.registry").Str("channel", string(r.channel)).Str("peer", string(id)).Msg("peer added")
	return p, true, nil
}

func (r *Registry) discard(id domain.PeerID, p *peer.Connection) {
	r.mu.Lock()
	if current, ok := r.peers[id]; ok && current == p {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	p.Close()
	log.Warn().Str("module", "app.registry").Str("peer", string(id)).Msg("peer discarded after failed negotiation")
}
