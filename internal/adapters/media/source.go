package media

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const DefaultMTU = 1500

// Source reads RTP from a local encoder over UDP and emits the payloads as
// encoded audio frames.
type Source struct {
	conn   *net.UDPConn
	mtu    int
	frames chan core.Frame
}

func Listen(addr string, mtu int) (*Source, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Source{conn: conn, mtu: mtu, frames: make(chan core.Frame, 16)}, nil
}

func (s *Source) Addr() net.Addr { return s.conn.LocalAddr() }

// Frames is closed when Run returns.
func (s *Source) Frames() <-chan core.Frame { return s.frames }

// Run pumps packets until ctx is done. Non-RTP datagrams are ignored and a
// full frame queue drops the newest frame.
func (s *Source) Run(ctx context.Context) error {
	defer close(s.frames)
	defer s.conn.Close()

	buf := make([]byte, s.mtu)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "media").Msg("source shutting down")
			return nil
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		frame := append(core.Frame(nil), pkt.Payload...)
		select {
		case s.frames <- frame:
		default:
			log.Debug().Str("module", "media").Msg("source frame dropped")
		}
	}
}
