package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/presencemesh/room-relay/internal/config"
)

func TestICEEndpointInjectsTURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{
		SharedSecret:   "turn-shared-secret",
		TTLSeconds:     600,
		UsernamePrefix: "room-relay",
	}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/ice")
	if err != nil {
		t.Fatalf("get /ice: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("ice servers = %d, want 2", len(body.ICEServers))
	}

	stun := body.ICEServers[0]
	if stun.Username != "" || stun.Credential != "" {
		t.Errorf("stun entry got credentials: %+v", stun)
	}

	turn := body.ICEServers[1]
	if turn.Username == "" || turn.Credential == "" {
		t.Fatalf("turn entry missing credentials: %+v", turn)
	}
	parts := strings.SplitN(turn.Username, ":", 3)
	if len(parts) != 3 || parts[1] != "room-relay" {
		t.Fatalf("username %q not in <expiry>:<prefix>:<id> form", turn.Username)
	}
}

func TestICEEndpointPerRequestCredentialsDiffer(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"turns:turn.example.com:5349"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{
		SharedSecret:   "turn-shared-secret",
		TTLSeconds:     600,
		UsernamePrefix: "room-relay",
	}

	baseURL := startTestServer(t, cfg)

	fetch := func() string {
		resp, err := http.Get(baseURL + "/ice")
		if err != nil {
			t.Fatalf("get /ice: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			ICEServers []struct {
				Username string `json:"username"`
			} `json:"iceServers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.ICEServers) != 1 {
			t.Fatalf("ice servers = %d, want 1", len(body.ICEServers))
		}
		return body.ICEServers[0].Username
	}

	if a, b := fetch(), fetch(); a == b {
		t.Fatalf("two requests shared username %q", a)
	}
}

func TestWithTURNRESTCredentials(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com"}},
		{URLs: []string{"TURN:turn.example.com"}},
		{URLs: []string{"turns:turn.example.com:5349"}},
	}

	out := withTURNRESTCredentials(servers, "user", "cred")

	if out[0].Username != "" {
		t.Errorf("stun server got username %q", out[0].Username)
	}
	for _, i := range []int{1, 2} {
		if out[i].Username != "user" || out[i].Credential != "cred" {
			t.Errorf("server %d = %+v, want injected credentials", i, out[i])
		}
	}

	// Input must not be mutated.
	if servers[1].Username != "" {
		t.Error("input slice mutated")
	}

	empty := withTURNRESTCredentials([]webrtc.ICEServer{}, "u", "c")
	if empty == nil {
		t.Error("empty slice became nil")
	}
}
