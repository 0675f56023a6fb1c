// Package domain contains identifiers and states, no transport logic.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxIDLen = 64

var (
	ErrIDEmpty   = errors.New("id empty")
	ErrIDTooLong = errors.New("id too long")
)

// PeerID identifies a participant, unique within a voice channel.
type PeerID string

// NewPeerID is used when no local id was configured.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func ParsePeerID(raw string) (PeerID, error) {
	if err := validateID(raw); err != nil {
		return "", err
	}
	return PeerID(raw), nil
}

func (id PeerID) String() string { return string(id) }

func validateID(raw string) error {
	if len(raw) == 0 {
		return ErrIDEmpty
	}
	if len(raw) > MaxIDLen {
		return ErrIDTooLong
	}
	return nil
}
