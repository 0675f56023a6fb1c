package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParsePeerID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "valid", raw: "U1"},
		{name: "empty", raw: "", wantErr: ErrIDEmpty},
		{name: "too long", raw: strings.Repeat("x", MaxIDLen+1), wantErr: ErrIDTooLong},
		{name: "max length", raw: strings.Repeat("x", MaxIDLen)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParsePeerID(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && string(id) != tt.raw {
				t.Errorf("id = %q, want %q", id, tt.raw)
			}
		})
	}
}

func TestNewPeerIDUnique(t *testing.T) {
	a, b := NewPeerID(), NewPeerID()
	if a == b {
		t.Fatalf("NewPeerID returned %q twice", a)
	}
	if _, err := ParsePeerID(string(a)); err != nil {
		t.Errorf("generated id %q is not valid: %v", a, err)
	}
}

func TestConnectionStateTerminal(t *testing.T) {
	terminal := map[ConnectionState]bool{
		ConnectionStateNew:          false,
		ConnectionStateConnecting:   false,
		ConnectionStateConnected:    false,
		ConnectionStateDisconnected: false,
		ConnectionStateFailed:       true,
		ConnectionStateClosed:       true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestStatesMarshalAsText(t *testing.T) {
	out, err := json.Marshal(struct {
		Conn    ConnectionState `json:"conn"`
		Channel ChannelState    `json:"channel"`
	}{ConnectionStateDisconnected, ChannelStateOpen})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"conn":"disconnected","channel":"open"}`
	if string(out) != want {
		t.Errorf("json = %s, want %s", out, want)
	}
}
