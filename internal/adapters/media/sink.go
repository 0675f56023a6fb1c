package media

import (
	"hash/crc32"
	"math/rand"
	"net"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPayloadType = 111
	// SamplesPerFrame is one 20ms Opus frame at 48kHz.
	SamplesPerFrame = 960
)

var _ core.AudioSink = (*Sink)(nil)

type stream struct {
	ssrc uint32
	seq  uint16
	ts   uint32
}

// Sink writes every remote peer's audio to a local player as its own RTP
// stream, one SSRC per peer.
type Sink struct {
	conn        *net.UDPConn
	payloadType uint8

	mu      sync.Mutex
	streams map[domain.PeerID]*stream
}

func NewSink(addr string, payloadType uint8) (*Sink, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	return &Sink{
		conn:        conn,
		payloadType: payloadType,
		streams:     make(map[domain.PeerID]*stream),
	}, nil
}

// OnAudioPacket wraps data in the next RTP packet of the peer's stream.
// Write errors are logged and the packet dropped.
func (s *Sink) OnAudioPacket(peer domain.PeerID, data core.Frame) {
	s.mu.Lock()
	st, ok := s.streams[peer]
	if !ok {
		st = &stream{
			ssrc: crc32.ChecksumIEEE([]byte(peer)),
			seq:  uint16(rand.Uint32()),
			ts:   rand.Uint32(),
		}
		s.streams[peer] = st
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: st.seq,
			Timestamp:      st.ts,
			SSRC:           st.ssrc,
		},
		Payload: data,
	}
	st.seq++
	st.ts += SamplesPerFrame
	s.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "media").Str("peer", string(peer)).Msg("rtp marshal")
		return
	}
	if _, err := s.conn.Write(raw); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("peer", string(peer)).Msg("playback write")
	}
}

// Forget drops the stream state of peer; its next packet starts a new stream.
func (s *Sink) Forget(peer domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, peer)
}

func (s *Sink) Close() error { return s.conn.Close() }
