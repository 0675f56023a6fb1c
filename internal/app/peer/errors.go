package peer

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
)

var (
	ErrNegotiation           = errors.New("negotiation error")
	ErrNegotiationInFlight   = errors.New("negotiation already in flight")
	ErrUnexpectedDescription = errors.New("unexpected session description")
	ErrNoAudioChannel        = errors.New("offer announces no audio channel")
	ErrPeerClosed            = errors.New("peer connection closed")
	ErrChannelUnavailable    = errors.New("audio channel unavailable")
	ErrBackpressure          = errors.New("audio channel backpressure")
)

// NegotiationError reports an offer/answer/candidate sequencing violation.
// errors.Is(err, ErrNegotiation) holds for every NegotiationError.
type NegotiationError struct {
	Op   string
	Peer domain.PeerID
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func (e *NegotiationError) Is(target error) bool {
	return target == ErrNegotiation
}

func negotiationError(op string, id domain.PeerID, err error) *NegotiationError {
	return &NegotiationError{Op: op, Peer: id, Err: err}
}
