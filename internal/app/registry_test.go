package app

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/voicemesh/internal/app/peer"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) OnEvent(ev core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) offers(id domain.PeerID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if o, ok := ev.(core.OfferProduced); ok && o.ID == id {
			n++
		}
	}
	return n
}

func (l *eventLog) answers(id domain.PeerID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if a, ok := ev.(core.AnswerProduced); ok && a.ID == id {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *coretest.Factory, *eventLog) {
	t.Helper()
	f := coretest.NewFactory()
	ev := &eventLog{}
	return NewRegistry(f, ev, peer.Config{}), f, ev
}

func joined(t *testing.T) (*Registry, *coretest.Factory, *eventLog) {
	t.Helper()
	r, f, ev := newTestRegistry(t)
	if err := r.JoinChannel("R1", "U1"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	return r, f, ev
}

// connect drives a peer to Connected with an open channel.
func connect(t *testing.T, f *coretest.Factory, id domain.PeerID) {
	t.Helper()
	tr := f.Last(id)
	chans := tr.Channels()
	if len(chans) == 0 {
		t.Fatalf("peer %s has no channel", id)
	}
	chans[0].Open()
	tr.SetState(webrtc.PeerConnectionStateConnected)
}

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: coretest.DataChannelOffer}
}

func TestAddPeerRequiresJoinedChannel(t *testing.T) {
	r, f, _ := newTestRegistry(t)
	if _, err := r.AddPeer("U2", true); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("AddPeer before join: got %v, want ErrNotJoined", err)
	}
	if len(r.Peers()) != 0 || f.Created("U2") != 0 {
		t.Fatalf("no peer or transport should exist")
	}
}

func TestAddPeerRejectsSelfAndInvalidID(t *testing.T) {
	r, _, _ := joined(t)
	if _, err := r.AddPeer("U1", true); !errors.Is(err, ErrSelfPeer) {
		t.Fatalf("AddPeer(self): got %v", err)
	}
	if _, err := r.AddPeer("", true); !errors.Is(err, domain.ErrIDEmpty) {
		t.Fatalf("AddPeer(\"\"): got %v", err)
	}
}

func TestAddPeerIsIdempotent(t *testing.T) {
	r, f, ev := joined(t)

	first, err := r.AddPeer("U2", true)
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	second, err := r.AddPeer("U2", true)
	if err != nil {
		t.Fatalf("AddPeer again: %v", err)
	}
	if first != second {
		t.Fatalf("AddPeer returned a different connection")
	}
	if f.Created("U2") != 1 {
		t.Fatalf("transports created = %d, want 1", f.Created("U2"))
	}
	if ev.offers("U2") != 1 {
		t.Fatalf("offers = %d, want exactly 1", ev.offers("U2"))
	}
}

func TestAddPeerNonInitiatorWaitsForOffer(t *testing.T) {
	r, f, ev := joined(t)
	if _, err := r.AddPeer("U3", false); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if ev.offers("U3") != 0 {
		t.Fatalf("non-initiator produced an offer")
	}
	if len(f.Last("U3").Channels()) != 0 {
		t.Fatalf("non-initiator opened a channel")
	}
}

func TestAddPeerOfferFailureLeavesNoEntry(t *testing.T) {
	r, f, ev := joined(t)
	boom := errors.New("boom")
	f.FailOffers(boom)

	if _, err := r.AddPeer("U2", true); !errors.Is(err, peer.ErrNegotiation) || !errors.Is(err, boom) {
		t.Fatalf("AddPeer: got %v", err)
	}
	if _, ok := r.Peer("U2"); ok {
		t.Fatalf("failed peer still registered")
	}
	if !f.Last("U2").Closed() {
		t.Fatalf("failed peer transport not closed")
	}
	if ev.offers("U2") != 0 {
		t.Fatalf("offer emitted despite failure")
	}
}

func TestAddPeerTransportFactoryError(t *testing.T) {
	r, f, _ := joined(t)
	boom := errors.New("no ports")
	f.Fail(boom)
	if _, err := r.AddPeer("U2", true); !errors.Is(err, boom) {
		t.Fatalf("AddPeer: got %v", err)
	}
	if len(r.Peers()) != 0 {
		t.Fatalf("peer registered despite factory error")
	}
}

func TestRemovePeer(t *testing.T) {
	r, f, _ := joined(t)
	if _, err := r.AddPeer("U2", true); err != nil {
		t.Fatal(err)
	}
	r.RemovePeer("U2")
	if _, ok := r.Peer("U2"); ok {
		t.Fatalf("peer still present")
	}
	if !f.Last("U2").Closed() {
		t.Fatalf("transport not closed")
	}
	r.RemovePeer("U2")
	r.RemovePeer("nobody")
}

func TestLeaveChannelClosesEverything(t *testing.T) {
	r, f, _ := joined(t)
	for _, id := range []domain.PeerID{"U2", "U3"} {
		if _, err := r.AddPeer(id, true); err != nil {
			t.Fatal(err)
		}
	}

	r.LeaveChannel("U1")
	if len(r.Peers()) != 0 {
		t.Fatalf("peers not cleared")
	}
	if _, ok := r.CurrentChannel(); ok {
		t.Fatalf("still joined")
	}
	for _, id := range []domain.PeerID{"U2", "U3"} {
		tr := f.Last(id)
		if !tr.Closed() {
			t.Fatalf("transport %s not closed", id)
		}
		if !tr.Channels()[0].Closed() {
			t.Fatalf("channel %s not closed", id)
		}
	}
	r.LeaveChannel("U1")
}

func TestJoinOtherChannelLeavesCurrent(t *testing.T) {
	r, f, _ := joined(t)
	if _, err := r.AddPeer("U2", true); err != nil {
		t.Fatal(err)
	}
	if err := r.JoinChannel("R2", "U1"); err != nil {
		t.Fatalf("JoinChannel(R2): %v", err)
	}
	ch, ok := r.CurrentChannel()
	if !ok || ch != "R2" {
		t.Fatalf("CurrentChannel = %q, %v", ch, ok)
	}
	if len(r.Peers()) != 0 || !f.Last("U2").Closed() {
		t.Fatalf("peers of R1 survived the switch")
	}
}

func TestJoinSameChannelKeepsPeers(t *testing.T) {
	r, _, _ := joined(t)
	if _, err := r.AddPeer("U2", true); err != nil {
		t.Fatal(err)
	}
	if err := r.JoinChannel("R1", "U1"); err != nil {
		t.Fatal(err)
	}
	if len(r.Peers()) != 1 {
		t.Fatalf("rejoin dropped peers")
	}
}

func TestJoinChannelValidatesIDs(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.JoinChannel("", "U1"); !errors.Is(err, domain.ErrIDEmpty) {
		t.Fatalf("empty channel: %v", err)
	}
	if err := r.JoinChannel("R1", ""); !errors.Is(err, domain.ErrIDEmpty) {
		t.Fatalf("empty local: %v", err)
	}
}

func TestHandleOfferColdStart(t *testing.T) {
	r, f, ev := joined(t)

	answer, err := r.HandleOffer("U3", remoteOffer())
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type = %s", answer.Type)
	}
	p, ok := r.Peer("U3")
	if !ok {
		t.Fatalf("peer not created")
	}
	if p.ConnectionState() != domain.ConnectionStateNew {
		t.Fatalf("state = %s", p.ConnectionState())
	}
	if ev.answers("U3") != 1 {
		t.Fatalf("answers = %d", ev.answers("U3"))
	}
	if f.Last("U3").RemoteDescription() == nil {
		t.Fatalf("offer not applied")
	}
}

func TestHandleOfferWithoutChannelLeavesNoPeer(t *testing.T) {
	r, f, ev := joined(t)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: coretest.AudioOnlyOffer}

	if _, err := r.HandleOffer("U3", offer); !errors.Is(err, peer.ErrNoAudioChannel) {
		t.Fatalf("HandleOffer: got %v", err)
	}
	if _, ok := r.Peer("U3"); ok {
		t.Fatalf("peer registered after failed answer")
	}
	if !f.Last("U3").Closed() {
		t.Fatalf("transport not closed")
	}
	if ev.answers("U3") != 0 {
		t.Fatalf("answer emitted after failure")
	}
}

func TestHandleOfferBeforeJoin(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if _, err := r.HandleOffer("U3", remoteOffer()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("got %v", err)
	}
}

func TestHandleAnswerUnknownPeerIsIgnored(t *testing.T) {
	r, f, _ := joined(t)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	if err := r.HandleAnswer("ghost", answer); err != nil {
		t.Fatalf("HandleAnswer(unknown) = %v", err)
	}
	if f.Created("ghost") != 0 {
		t.Fatalf("answer created a peer")
	}
}

func TestHandleAnswerCompletesOffer(t *testing.T) {
	r, f, _ := joined(t)
	if _, err := r.AddPeer("U2", true); err != nil {
		t.Fatal(err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	if err := r.HandleAnswer("U2", answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if f.Last("U2").RemoteDescription() == nil {
		t.Fatalf("answer not applied")
	}
	if err := r.HandleAnswer("U2", answer); !errors.Is(err, peer.ErrUnexpectedDescription) {
		t.Fatalf("second answer: got %v", err)
	}
}

func TestHandleICECandidateUnknownPeerIsIgnored(t *testing.T) {
	r, f, _ := joined(t)
	r.HandleICECandidate("ghost", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	if _, ok := r.Peer("ghost"); ok || f.Created("ghost") != 0 {
		t.Fatalf("candidate created a peer")
	}
}

func TestHandleICECandidateQueuedUntilAnswer(t *testing.T) {
	r, f, _ := joined(t)
	if _, err := r.AddPeer("U2", true); err != nil {
		t.Fatal(err)
	}
	r.HandleICECandidate("U2", webrtc.ICECandidateInit{Candidate: "candidate:a"})
	r.HandleICECandidate("U2", webrtc.ICECandidateInit{Candidate: "candidate:b"})
	tr := f.Last("U2")
	if len(tr.Applied()) != 0 {
		t.Fatalf("candidates applied before remote description")
	}
	if err := r.HandleAnswer("U2", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); err != nil {
		t.Fatal(err)
	}
	applied := tr.Applied()
	if len(applied) != 2 || applied[0].Candidate != "candidate:a" || applied[1].Candidate != "candidate:b" {
		t.Fatalf("applied = %+v", applied)
	}
}

func TestBroadcastOnlyReachesConnectedPeers(t *testing.T) {
	r, f, _ := joined(t)
	for _, id := range []domain.PeerID{"U2", "U3", "U4"} {
		if _, err := r.AddPeer(id, true); err != nil {
			t.Fatal(err)
		}
	}
	connect(t, f, "U2")
	connect(t, f, "U4")
	f.Last("U4").Channels()[0].SetSendErr(errors.New("sctp closed"))

	res := r.BroadcastAudioPacket(core.Frame("pcm"))
	if res.SentTo != 1 || res.Skipped != 1 || len(res.Dropped) != 1 || res.Dropped[0] != "U4" {
		t.Fatalf("result = %+v", res)
	}
	if got := f.Last("U2").Channels()[0].Sent(); len(got) != 1 || string(got[0]) != "pcm" {
		t.Fatalf("U2 sent = %q", got)
	}
	if got := f.Last("U3").Channels()[0].Sent(); len(got) != 0 {
		t.Fatalf("connecting peer received audio")
	}
}

func TestBroadcastWithNoPeers(t *testing.T) {
	r, _, _ := joined(t)
	res := r.BroadcastAudioPacket(core.Frame("x"))
	if res.SentTo != 0 || res.Skipped != 0 || len(res.Dropped) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSnapshotIsSorted(t *testing.T) {
	r, f, _ := joined(t)
	for _, id := range []domain.PeerID{"U9", "U2", "U5"} {
		if _, err := r.AddPeer(id, true); err != nil {
			t.Fatal(err)
		}
	}
	connect(t, f, "U5")
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].ID != "U2" || snap[1].ID != "U5" || snap[2].ID != "U9" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[1].ConnectionState != domain.ConnectionStateConnected || snap[1].ChannelState != domain.ChannelStateOpen {
		t.Fatalf("U5 status = %+v", snap[1])
	}
}

// U1 joins R1 holding U2 and U3: U1 dials U2, U3 dials U1.
func TestVoiceRoomScenario(t *testing.T) {
	r, f, ev := joined(t)

	if _, err := r.AddPeer("U2", true); err != nil {
		t.Fatalf("AddPeer(U2): %v", err)
	}
	if ev.offers("U2") != 1 {
		t.Fatalf("no offer for U2")
	}
	r.HandleICECandidate("U2", webrtc.ICECandidateInit{Candidate: "candidate:early"})
	if err := r.HandleAnswer("U2", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); err != nil {
		t.Fatalf("HandleAnswer(U2): %v", err)
	}
	connect(t, f, "U2")

	if _, err := r.HandleOffer("U3", remoteOffer()); err != nil {
		t.Fatalf("HandleOffer(U3): %v", err)
	}
	u3 := f.Last("U3")
	dc := u3.AnnounceChannel(peer.DefaultLabel)
	dc.Open()
	u3.SetState(webrtc.PeerConnectionStateConnected)

	res := r.BroadcastAudioPacket(core.Frame{1, 2, 3})
	if res.SentTo != 2 || len(res.Dropped) != 0 {
		t.Fatalf("broadcast = %+v", res)
	}
	if len(dc.Sent()) != 1 {
		t.Fatalf("U3 did not receive audio")
	}

	f.Last("U2").SetState(webrtc.PeerConnectionStateFailed)
	res = r.BroadcastAudioPacket(core.Frame{4})
	if res.SentTo != 1 || res.Skipped != 1 {
		t.Fatalf("broadcast after failure = %+v", res)
	}

	r.LeaveChannel("U1")
	if !f.Last("U2").Closed() || !u3.Closed() {
		t.Fatalf("transports left open")
	}
}

func TestSimplePolicy(t *testing.T) {
	tests := []struct {
		state domain.ConnectionState
		want  PeerAction
	}{
		{domain.ConnectionStateConnected, NoAction},
		{domain.ConnectionStateDisconnected, NoAction},
		{domain.ConnectionStateFailed, Reconnect},
		{domain.ConnectionStateClosed, NoAction},
	}
	for _, tt := range tests {
		if got := (SimplePolicy{}).OnPeerState("U2", tt.state); got != tt.want {
			t.Errorf("SimplePolicy(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
	if got := (RemoveOnFailure{}).OnPeerState("U2", domain.ConnectionStateFailed); got != RemovePeer {
		t.Errorf("RemoveOnFailure(failed) = %s", got)
	}
}

func TestPolicyByName(t *testing.T) {
	tests := []struct {
		name string
		want PeerAction
	}{
		{"reconnect", Reconnect},
		{"remove", RemovePeer},
	}
	for _, tt := range tests {
		p, err := PolicyByName(tt.name)
		if err != nil {
			t.Fatalf("PolicyByName(%q): %v", tt.name, err)
		}
		if got := p.OnPeerState("U2", domain.ConnectionStateFailed); got != tt.want {
			t.Errorf("%s on failure = %s, want %s", tt.name, got, tt.want)
		}
	}
	if _, err := PolicyByName("retry-forever"); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("PolicyByName(unknown) = %v", err)
	}
}
