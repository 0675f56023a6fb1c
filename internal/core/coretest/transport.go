// Package coretest provides in-memory implementations of the core interfaces.
// Transport callbacks fire synchronously on the calling goroutine, so tests
// can drive state transitions deterministically.
package coretest

import (
	"errors"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ core.Transport   = (*Transport)(nil)
	_ core.DataChannel = (*DataChannel)(nil)
)

var (
	ErrNoRemoteDescription = errors.New("coretest: remote description not set")
	ErrCandidateRejected   = errors.New("coretest: candidate rejected")
	ErrNotOffer            = errors.New("coretest: remote description is not an offer")
)

// DataChannelOffer is an offer announcing an SCTP application section.
const DataChannelOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n"

// AudioOnlyOffer announces media but no data channel.
const AudioOnlyOffer = "v=0\r\n" +
	"o=- 4215775240449105458 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

const answerSDP = "v=0\r\n" +
	"o=- 4215775240449105459 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n"

// Transport is an in-memory core.Transport.
type Transport struct {
	ID domain.PeerID

	mu       sync.Mutex
	channels []*DataChannel
	inits    []webrtc.DataChannelInit
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	applied  []webrtc.ICECandidateInit
	reject   map[string]bool
	closed   bool

	offerErr     error
	setRemoteErr error

	onState func(webrtc.PeerConnectionState)
	onICE   func(webrtc.ICECandidateInit)
	onDC    func(core.DataChannel)
}

func NewTransport(id domain.PeerID) *Transport {
	return &Transport{ID: id, reject: make(map[string]bool)}
}

func (t *Transport) CreateDataChannel(label string, init *webrtc.DataChannelInit) (core.DataChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dc := NewDataChannel(label)
	t.channels = append(t.channels, dc)
	if init != nil {
		t.inits = append(t.inits, *init)
	} else {
		t.inits = append(t.inits, webrtc.DataChannelInit{})
	}
	return dc, nil
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offerErr != nil {
		return webrtc.SessionDescription{}, t.offerErr
	}
	sdp := AudioOnlyOffer
	if len(t.channels) > 0 {
		sdp = DataChannelOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil || t.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNotOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}, nil
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &desc
	return nil
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setRemoteErr != nil {
		return t.setRemoteErr
	}
	t.remote = &desc
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return ErrNoRemoteDescription
	}
	if t.reject[c.Candidate] {
		return ErrCandidateRejected
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICE = fn
}

func (t *Transport) OnDataChannel(fn func(core.DataChannel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDC = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// FailOffer makes the next CreateOffer calls return err.
func (t *Transport) FailOffer(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offerErr = err
}

// FailSetRemote makes SetRemoteDescription return err.
func (t *Transport) FailSetRemote(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setRemoteErr = err
}

// Reject makes AddICECandidate refuse the given candidate line.
func (t *Transport) Reject(candidate string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reject[candidate] = true
}

// SetState reports a negotiated state change as the transport would.
func (t *Transport) SetState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate reports a locally gathered candidate.
func (t *Transport) EmitCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// AnnounceChannel simulates the remote side opening a data channel.
func (t *Transport) AnnounceChannel(label string) *DataChannel {
	dc := NewDataChannel(label)
	t.mu.Lock()
	fn := t.onDC
	t.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
	return dc
}

func (t *Transport) Applied() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

func (t *Transport) Channels() []*DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*DataChannel(nil), t.channels...)
}

func (t *Transport) ChannelInits() []webrtc.DataChannelInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.DataChannelInit(nil), t.inits...)
}

func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// DataChannel is an in-memory core.DataChannel.
type DataChannel struct {
	label string

	mu       sync.Mutex
	sent     []core.Frame
	sendErr  error
	buffered uint64
	closed   bool

	onOpen    func()
	onClose   func()
	onMessage func(core.Frame)
}

func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label}
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) Send(f core.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, append(core.Frame(nil), f...))
	return nil
}

func (d *DataChannel) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = fn
}

func (d *DataChannel) OnClose(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = fn
}

func (d *DataChannel) OnMessage(fn func(core.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = fn
}

// Close marks the channel closed and fires OnClose once.
func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Open fires OnOpen as the transport does once SCTP is up.
func (d *DataChannel) Open() {
	d.mu.Lock()
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Receive delivers an inbound message.
func (d *DataChannel) Receive(f core.Frame) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (d *DataChannel) SetSendErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

func (d *DataChannel) SetBuffered(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffered = n
}

func (d *DataChannel) Sent() []core.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.Frame(nil), d.sent...)
}

func (d *DataChannel) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
