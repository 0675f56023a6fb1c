package app

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
)

type PeerAction int

const (
	NoAction PeerAction = iota
	RemovePeer
	Reconnect
)

func (a PeerAction) String() string {
	switch a {
	case RemovePeer:
		return "remove"
	case Reconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// Policy decides what the session does when a peer changes state.
// Retry lives here, never inside the registry.
type Policy interface {
	OnPeerState(id domain.PeerID, state domain.ConnectionState) PeerAction
}

// SimplePolicy reconnects failed peers and ignores everything else.
type SimplePolicy struct{}

func (SimplePolicy) OnPeerState(_ domain.PeerID, state domain.ConnectionState) PeerAction {
	if state == domain.ConnectionStateFailed {
		return Reconnect
	}
	return NoAction
}

// RemoveOnFailure drops failed peers without reconnecting.
type RemoveOnFailure struct{}

func (RemoveOnFailure) OnPeerState(_ domain.PeerID, state domain.ConnectionState) PeerAction {
	if state == domain.ConnectionStateFailed {
		return RemovePeer
	}
	return NoAction
}

var ErrUnknownPolicy = errors.New("unknown policy")

// PolicyByName resolves a configured failure policy: "reconnect" or "remove".
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "reconnect":
		return SimplePolicy{}, nil
	case "remove":
		return RemoveOnFailure{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}
