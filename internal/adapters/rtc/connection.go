package rtc

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	_ core.Transport        = (*Connection)(nil)
	_ core.DataChannel      = (*DataChannel)(nil)
	_ core.TransportFactory = (*Factory)(nil)
)

type ICEConfig struct {
	STUN       []string
	TURN       []string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	// Loopback gathers 127.0.0.1 candidates, for same-host peers.
	Loopback bool
}

func DefaultICEConfig() ICEConfig {
	return ICEConfig{STUN: []string{"stun:stun.l.google.com:19302"}}
}

// Configuration builds the pion configuration. Relay-only applies only when
// a TURN server is configured.
func (c ICEConfig) Configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUN})
	}
	if len(c.TURN) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURN,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if len(c.TURN) > 0 && c.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}

// Factory creates pion-backed transports sharing one API instance.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(ice ICEConfig, pionLevel zerolog.Level) *Factory {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(pionLevel)
	if ice.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return &Factory{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg: ice.Configuration(),
	}
}

func (f *Factory) NewTransport(id domain.PeerID) (core.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("peer", string(id)).Logger(),
	}, nil
}

// Connection adapts a pion PeerConnection to core.Transport.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
}

func (c *Connection) CreateDataChannel(label string, init *webrtc.DataChannelInit) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return &DataChannel{dc: dc}, nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

// OnICECandidate skips the nil candidate pion uses to mark end of gathering.
func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.logger.Debug().Msg("ICE gathering complete")
			return
		}
		fn(cand.ToJSON())
	})
}

func (c *Connection) OnDataChannel(fn func(core.DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&DataChannel{dc: dc})
	})
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Debug().Msg("closed")
	return nil
}

// DataChannel adapts a pion DataChannel to core.DataChannel.
type DataChannel struct {
	dc *webrtc.DataChannel
}

func (d *DataChannel) Label() string { return d.dc.Label() }

func (d *DataChannel) Send(f core.Frame) error { return d.dc.Send(f) }

func (d *DataChannel) BufferedAmount() uint64 { return d.dc.BufferedAmount() }

func (d *DataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *DataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *DataChannel) OnMessage(fn func(core.Frame)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		fn(core.Frame(msg.Data))
	})
}

func (d *DataChannel) Close() error { return d.dc.Close() }
