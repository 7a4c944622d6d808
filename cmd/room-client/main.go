// Command room-client is a headless demo client for a room-relay server. It
// creates or joins a room, connects to every other member, and logs peer
// lifecycle events until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/presencemesh/room-relay/client"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("room-client", flag.ContinueOnError)
	serverURL := fs.String("server", "http://127.0.0.1:8080", "room-relay base URL")
	roomID := fs.String("room", "", "Room code to join; empty creates a new room")
	withMedia := fs.Bool("media", true, "Attach silent audio/video tracks so peers negotiate media")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid -log-level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	room, token, err := obtainAccess(*serverURL, *roomID)
	if err != nil {
		return err
	}
	logger.Info("room access granted", "room_id", room)

	iceServers, err := fetchICEServers(*serverURL)
	if err != nil {
		logger.Warn("fetching ice servers failed, continuing without", "err", err)
	}

	cfg := client.Config{
		ServerURL:  *serverURL,
		ICEServers: iceServers,
		Logger:     logger,
		OnPeerState: func(peerID string, state client.PeerState) {
			logger.Info("peer state", "peer_id", peerID, "state", state)
		},
		OnPeerGone: func(peerID string) {
			logger.Info("peer gone", "peer_id", peerID)
		},
		OnRemoteTrack: func(peerID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Info("remote track", "peer_id", peerID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		},
	}

	if *withMedia {
		media, err := client.NewLocalMedia(
			&webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			&webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		)
		if err != nil {
			return fmt.Errorf("create local media: %w", err)
		}
		cfg.Media = media
	}

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	joinCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.JoinRoom(joinCtx, room, token); err != nil {
		return fmt.Errorf("join room %s: %w", room, err)
	}
	logger.Info("joined", "room_id", room, "self_id", c.SelfID())
	fmt.Printf("room code: %s\n", room)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")
	return c.Close()
}

// obtainAccess trades the room flag for a capability token: no room means
// create one as host, otherwise join the given room as participant.
func obtainAccess(serverURL, roomID string) (string, string, error) {
	base := strings.TrimSuffix(serverURL, "/")

	var (
		resp *http.Response
		err  error
	)
	if roomID == "" {
		resp, err = http.Post(base+"/rooms/create", "application/json", nil)
	} else {
		body, merr := json.Marshal(map[string]string{"roomId": roomID})
		if merr != nil {
			return "", "", merr
		}
		resp, err = http.Post(base+"/rooms/join", "application/json", bytes.NewReader(body))
	}
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", fmt.Errorf("room access: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out struct {
		RoomID string `json:"roomId"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode room response: %w", err)
	}
	return out.RoomID, out.Token, nil
}

func fetchICEServers(serverURL string) ([]webrtc.ICEServer, error) {
	resp, err := http.Get(strings.TrimSuffix(serverURL, "/") + "/ice")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /ice: %s", resp.Status)
	}

	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}
