package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/presencemesh/room-relay/client"
	"github.com/presencemesh/room-relay/internal/auth"
	"github.com/presencemesh/room-relay/internal/metrics"
	"github.com/presencemesh/room-relay/internal/registry"
	"github.com/presencemesh/room-relay/internal/signaling"
)

// newVNetAPI builds a pion API whose ICE agent runs on a virtual network
// interface attached to router, so the media path never touches real sockets.
func newVNetAPI(t *testing.T, router *vnet.Router, ip string) *webrtc.API {
	t.Helper()

	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("vnet.NewNet(%s): %v", ip, err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("router.AddNet(%s): %v", ip, err)
	}

	se := webrtc.SettingEngine{}
	se.SetNet(n)

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
}

func newTestAudio(t *testing.T) *client.LocalMedia {
	t.Helper()
	m, err := client.NewLocalMedia(&webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, nil)
	if err != nil {
		t.Fatalf("NewLocalMedia: %v", err)
	}
	return m
}

func waitForState(t *testing.T, states <-chan client.PeerState, want client.PeerState) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
			if state == client.PeerStateFailed || state == client.PeerStateClosed {
				t.Fatalf("peer reached %q while waiting for %q", state, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for peer state %q", want)
		}
	}
}

// Two clients join the same room through a real relay server; signaling rides
// loopback HTTP while ICE and media ride a virtual network.
func TestTwoClientsConnectAndObserveDeparture(t *testing.T) {
	reg := registry.New(time.Minute)
	tokens := auth.NewTokens("integration-test-secret", time.Hour)

	srv := &signaling.Server{
		Registry: reg,
		Tokens:   tokens,
		Metrics:  metrics.New(),
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("vnet.NewRouter: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("router.Start: %v", err)
	}
	defer router.Stop()

	roomID, err := reg.Create()
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	type member struct {
		c      *client.Client
		states chan client.PeerState
		gone   chan string
	}
	newMember := func(ip string) *member {
		m := &member{
			states: make(chan client.PeerState, 16),
			gone:   make(chan string, 4),
		}
		c, err := client.New(client.Config{
			ServerURL:          ts.URL,
			WebRTC:             newVNetAPI(t, router, ip),
			Media:              newTestAudio(t),
			NegotiationTimeout: 15 * time.Second,
			OnPeerState: func(_ string, state client.PeerState) {
				m.states <- state
			},
			OnPeerGone: func(peerID string) {
				m.gone <- peerID
			},
		})
		if err != nil {
			t.Fatalf("client.New: %v", err)
		}
		m.c = c
		return m
	}

	alpha := newMember("10.0.0.1")
	beta := newMember("10.0.0.2")
	defer alpha.c.Close()
	defer beta.c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tokenA, err := tokens.Issue(roomID, auth.RoleHost)
	if err != nil {
		t.Fatalf("issue host token: %v", err)
	}
	if err := alpha.c.JoinRoom(ctx, roomID, tokenA); err != nil {
		t.Fatalf("alpha join: %v", err)
	}
	if alpha.c.SelfID() == "" {
		t.Fatal("alpha has no assigned id after join")
	}

	tokenB, err := tokens.Issue(roomID, auth.RoleParticipant)
	if err != nil {
		t.Fatalf("issue participant token: %v", err)
	}
	if err := beta.c.JoinRoom(ctx, roomID, tokenB); err != nil {
		t.Fatalf("beta join: %v", err)
	}

	// Alpha was already in the room, so it initiates; both sides should
	// negotiate and land on connected.
	waitForState(t, alpha.states, client.PeerStateConnected)
	waitForState(t, beta.states, client.PeerStateConnected)

	// A departing member must surface as peer-gone on the survivor.
	if err := beta.c.Close(); err != nil {
		t.Fatalf("beta close: %v", err)
	}
	select {
	case peerID := <-alpha.gone:
		if peerID != beta.c.SelfID() {
			t.Fatalf("peer gone = %q, want %q", peerID, beta.c.SelfID())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("survivor never observed the departure")
	}
}

func TestJoinRejectedWithWrongRoomToken(t *testing.T) {
	reg := registry.New(time.Minute)
	tokens := auth.NewTokens("integration-test-secret", time.Hour)

	srv := &signaling.Server{
		Registry: reg,
		Tokens:   tokens,
		Metrics:  metrics.New(),
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	roomID, err := reg.Create()
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	otherRoom, err := reg.Create()
	if err != nil {
		t.Fatalf("create second room: %v", err)
	}

	token, err := tokens.Issue(otherRoom, auth.RoleParticipant)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	c, err := client.New(client.Config{ServerURL: ts.URL})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.JoinRoom(ctx, roomID, token); err == nil {
		t.Fatal("join with a token for another room succeeded")
	}
}
