package coretest

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// Compile-time interface checks.
var (
	_ core.Signaler  = (*Signaler)(nil)
	_ core.AudioSink = (*Sink)(nil)
)

var ErrSignalerClosed = errors.New("coretest: signaler closed")

// Signaler is an in-process core.Signaler. Deliver feeds inbound messages;
// Next waits for outbound ones.
type Signaler struct {
	in  chan core.SignalMessage
	out chan core.SignalMessage

	mu     sync.Mutex
	closed bool
}

func NewSignaler() *Signaler {
	return &Signaler{
		in:  make(chan core.SignalMessage, 64),
		out: make(chan core.SignalMessage, 256),
	}
}

func (s *Signaler) TrySend(m core.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSignalerClosed
	}
	s.out <- m
	return nil
}

func (s *Signaler) Incoming() <-chan core.SignalMessage { return s.in }

func (s *Signaler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Signaler) Deliver(m core.SignalMessage) { s.in <- m }

// Hangup closes the inbound stream as a dropped connection would.
func (s *Signaler) Hangup() { close(s.in) }

// Next returns the next outbound message, or false after timeout.
func (s *Signaler) Next(timeout time.Duration) (core.SignalMessage, bool) {
	select {
	case m := <-s.out:
		return m, true
	case <-time.After(timeout):
		return core.SignalMessage{}, false
	}
}

// NextOfType skips outbound messages until one of type t arrives.
func (s *Signaler) NextOfType(t core.SignalType, timeout time.Duration) (core.SignalMessage, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-s.out:
			if m.Type == t {
				return m, true
			}
		case <-deadline:
			return core.SignalMessage{}, false
		}
	}
}

// Packet is one inbound audio packet seen by Sink.
type Packet struct {
	Peer domain.PeerID
	Data core.Frame
}

// Sink records inbound audio.
type Sink struct {
	packets chan Packet
}

func NewSink() *Sink {
	return &Sink{packets: make(chan Packet, 256)}
}

func (s *Sink) OnAudioPacket(p domain.PeerID, data core.Frame) {
	select {
	case s.packets <- Packet{Peer: p, Data: data}:
	default:
	}
}

func (s *Sink) Next(timeout time.Duration) (Packet, bool) {
	select {
	case p := <-s.packets:
		return p, true
	case <-time.After(timeout):
		return Packet{}, false
	}
}
