package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/app/peer"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type fakeController struct {
	reg     *app.Registry
	kicked  []domain.PeerID
	kickErr error
}

func (f *fakeController) Registry() *app.Registry { return f.reg }

func (f *fakeController) Kick(_ context.Context, id domain.PeerID) error {
	if f.kickErr != nil {
		return f.kickErr
	}
	f.kicked = append(f.kicked, id)
	return nil
}

func newController(t *testing.T) (*fakeController, *coretest.Factory) {
	t.Helper()
	f := coretest.NewFactory()
	reg := app.NewRegistry(f, core.Discard, peer.Config{})
	if err := reg.JoinChannel("R1", "U1"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []domain.PeerID{"U3", "U2"} {
		if _, err := reg.AddPeer(id, true); err != nil {
			t.Fatal(err)
		}
	}
	f.Last("U2").SetState(webrtc.PeerConnectionStateConnected)
	return &fakeController{reg: reg}, f
}

func serve(t *testing.T, ctl Controller, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := SetupRouter(&config.Config{Mode: "test"}, ctl)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	ctl, _ := newController(t)
	w := serve(t, ctl, http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Channel string `json:"channel"`
		Joined  bool   `json:"joined"`
		Local   string `json:"local"`
		Peers   []struct {
			ID              string `json:"id"`
			ConnectionState string `json:"connection_state"`
			ChannelState    string `json:"channel_state"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Channel != "R1" || !body.Joined || body.Local != "U1" {
		t.Fatalf("body = %+v", body)
	}
	if len(body.Peers) != 2 || body.Peers[0].ID != "U2" || body.Peers[0].ConnectionState != "connected" {
		t.Fatalf("peers = %+v", body.Peers)
	}
	if body.Peers[1].ConnectionState != "new" || body.Peers[1].ChannelState != "unopened" {
		t.Fatalf("U3 = %+v", body.Peers[1])
	}
}

func TestGetPeer(t *testing.T) {
	ctl, _ := newController(t)
	if w := serve(t, ctl, http.MethodGet, "/api/peers/U3"); w.Code != http.StatusOK {
		t.Fatalf("known peer status = %d", w.Code)
	}
	if w := serve(t, ctl, http.MethodGet, "/api/peers/ghost"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown peer status = %d", w.Code)
	}
}

func TestDeletePeer(t *testing.T) {
	ctl, _ := newController(t)
	if w := serve(t, ctl, http.MethodDelete, "/api/peers/U3"); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(ctl.kicked) != 1 || ctl.kicked[0] != "U3" {
		t.Fatalf("kicked = %v", ctl.kicked)
	}

	ctl.kickErr = errors.New("session is not running")
	if w := serve(t, ctl, http.MethodDelete, "/api/peers/U3"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after stop = %d", w.Code)
	}
}

func TestDeletePeerOnStoppedSession(t *testing.T) {
	sess := orch.NewSession(orch.Config{Channel: "R1", Local: "U1"}, orch.Deps{
		Factory:  coretest.NewFactory(),
		Signaler: coretest.NewSignaler(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}

	for i := 0; i < 20; i++ {
		if w := serve(t, sess, http.MethodDelete, "/api/peers/U2"); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("request #%d: status = %d, want %d", i, w.Code, http.StatusServiceUnavailable)
		}
	}
}
