// Package client connects to a room-relay server and maintains one WebRTC
// peer connection per room member, exchanging offers, answers, and trickled
// ICE candidates through the relay.
//
// The pairing rule is fixed: when a newcomer joins, every existing member
// initiates a connection toward it. The newcomer only ever answers, so no
// pair can produce colliding offers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/presencemesh/room-relay/internal/signaling"
)

const defaultNegotiationTimeout = 30 * time.Second

type Config struct {
	// ServerURL is the relay's base URL (http, https, ws, or wss).
	ServerURL string

	// WebRTC overrides the pion API, mainly so tests can inject a virtual
	// network. Nil means NewAPI().
	WebRTC *webrtc.API

	ICEServers []webrtc.ICEServer

	// Media, when set, is attached to every peer connection.
	Media *LocalMedia

	// NegotiationTimeout bounds how long a peer may sit in negotiation before
	// it is declared failed. Zero means 30 seconds.
	NegotiationTimeout time.Duration

	Logger *slog.Logger

	// OnRemoteTrack fires on pion's track goroutine when a remote member's
	// media arrives.
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	// OnPeerState and OnPeerGone fire on the orchestrator goroutine and must
	// not block.
	OnPeerState func(peerID string, state PeerState)
	OnPeerGone  func(peerID string)
}

// Client is the connection orchestrator for one room membership.
type Client struct {
	cfg Config
	log *slog.Logger
	api *webrtc.API

	transport signalTransport

	events   chan any
	loopDone chan struct{}

	// Owned by the orchestrator goroutine after JoinRoom.
	selfID          string
	roomID          string
	peers           map[string]*peerSession
	earlyCandidates map[string][]webrtc.ICECandidateInit

	joined    bool
	started   atomic.Bool
	closeOnce sync.Once
}

// Loop events.
type evSignal struct{ msg signaling.SignalMessage }

type evLocalCandidate struct {
	peerID string
	cand   webrtc.ICECandidateInit
}

type evPeerConnState struct {
	peerID string
	state  webrtc.PeerConnectionState
}

type evNegotiationTimeout struct{ peerID string }

type evTransportClosed struct{ err error }

type evShutdown struct{ done chan struct{} }

func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: ServerURL is required")
	}

	api := cfg.WebRTC
	if api == nil {
		var err error
		api, err = NewAPI()
		if err != nil {
			return nil, fmt.Errorf("client: build webrtc api: %w", err)
		}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		cfg:             cfg,
		log:             log,
		api:             api,
		events:          make(chan any, 64),
		loopDone:        make(chan struct{}),
		peers:           make(map[string]*peerSession),
		earlyCandidates: make(map[string][]webrtc.ICECandidateInit),
	}, nil
}

// JoinRoom dials the relay, joins roomID with the given capability token, and
// starts the orchestrator. It returns once the server confirms membership.
func (c *Client) JoinRoom(ctx context.Context, roomID, token string) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("client: already joined a room")
	}

	sc, err := DialSignal(ctx, c.cfg.ServerURL, token)
	if err != nil {
		c.started.Store(false)
		return err
	}
	c.transport = sc

	joined := make(chan error, 1)
	go c.run(joined)
	go func() {
		err := sc.readLoop(func(msg signaling.SignalMessage) {
			c.post(evSignal{msg: msg})
		})
		c.post(evTransportClosed{err: err})
	}()

	if err := sc.Send(signaling.SignalMessage{
		Type:   signaling.MessageTypeJoinRoom,
		RoomID: roomID,
	}); err != nil {
		_ = c.Close()
		return fmt.Errorf("send join-room: %w", err)
	}

	select {
	case err := <-joined:
		if err != nil {
			_ = c.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

// SelfID returns the server-assigned member ID. Valid once JoinRoom has
// returned successfully.
func (c *Client) SelfID() string {
	return c.selfID
}

// Close tears down every peer connection and the signaling link. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if !c.started.Load() {
			return
		}
		done := make(chan struct{})
		select {
		case c.events <- evShutdown{done: done}:
			select {
			case <-done:
			case <-c.loopDone:
			case <-time.After(5 * time.Second):
			}
		case <-c.loopDone:
		}
	})
	return nil
}

func (c *Client) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.loopDone:
	}
}

// run is the orchestrator loop. Every mutation of the peer table happens
// here, so no per-peer locking is needed.
func (c *Client) run(joined chan<- error) {
	defer close(c.loopDone)

	for ev := range c.events {
		switch ev := ev.(type) {
		case evSignal:
			c.handleSignal(ev.msg, joined)
		case evLocalCandidate:
			c.sendCandidate(ev.peerID, ev.cand)
		case evPeerConnState:
			c.handleConnState(ev.peerID, ev.state)
		case evNegotiationTimeout:
			c.handleNegotiationTimeout(ev.peerID)
		case evTransportClosed:
			if !c.joined {
				if ev.err != nil {
					joined <- fmt.Errorf("signaling connection closed: %w", ev.err)
				} else {
					joined <- errors.New("signaling connection closed")
				}
			}
			c.teardownAll()
			if c.transport != nil {
				_ = c.transport.Close()
			}
			return
		case evShutdown:
			c.teardownAll()
			if c.transport != nil {
				_ = c.transport.Close()
			}
			close(ev.done)
			return
		}
	}
}

func (c *Client) handleSignal(msg signaling.SignalMessage, joined chan<- error) {
	switch msg.Type {
	case signaling.MessageTypeRoomJoined:
		c.selfID = msg.UserID
		c.roomID = msg.RoomID
		if !c.joined {
			c.joined = true
			joined <- nil
		}
		c.log.Info("joined room", "room_id", msg.RoomID, "members", len(msg.Participants))

	case signaling.MessageTypeUserConnected:
		// We are the existing member, so we initiate toward the newcomer.
		if _, ok := c.peers[msg.UserID]; ok {
			return
		}
		if err := c.startPeer(msg.UserID, true); err != nil {
			c.log.Error("start initiator peer", "peer_id", msg.UserID, "err", err)
		}

	case signaling.MessageTypeUserDisconnected:
		c.removePeer(msg.UserID, PeerStateClosed)

	case signaling.MessageTypeOffer:
		peer := c.peers[msg.From]
		if peer == nil {
			if err := c.startPeer(msg.From, false); err != nil {
				c.log.Error("start responder peer", "peer_id", msg.From, "err", err)
				return
			}
			peer = c.peers[msg.From]
		}
		if err := c.handleOffer(peer, msg.Payload); err != nil {
			c.log.Error("handle offer", "peer_id", msg.From, "err", err)
			c.removePeer(msg.From, PeerStateFailed)
		}

	case signaling.MessageTypeAnswer:
		peer := c.peers[msg.From]
		if peer == nil {
			c.log.Debug("answer from unknown peer", "peer_id", msg.From)
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			c.log.Error("decode answer", "peer_id", msg.From, "err", err)
			return
		}
		if err := peer.setRemoteDescription(desc); err != nil {
			c.log.Error("apply answer", "peer_id", msg.From, "err", err)
			c.removePeer(msg.From, PeerStateFailed)
		}

	case signaling.MessageTypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			c.log.Error("decode candidate", "peer_id", msg.From, "err", err)
			return
		}
		peer := c.peers[msg.From]
		if peer == nil {
			// Candidate raced ahead of peer creation; adopt it when the
			// peer's offer arrives.
			c.earlyCandidates[msg.From] = append(c.earlyCandidates[msg.From], cand)
			return
		}
		if err := peer.addRemoteCandidate(cand); err != nil {
			c.log.Error("apply candidate", "peer_id", msg.From, "err", err)
		}

	case signaling.MessageTypeError:
		if !c.joined {
			c.joined = true
			joined <- fmt.Errorf("signaling error: %s: %s", msg.Code, msg.Message)
			return
		}
		c.log.Error("signaling error", "code", msg.Code, "message", msg.Message)
	}
}

func (c *Client) startPeer(peerID string, initiator bool) error {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return err
	}

	if c.cfg.Media != nil {
		for _, track := range c.cfg.Media.tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return err
			}
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.post(evLocalCandidate{peerID: peerID, cand: cand.ToJSON()})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.post(evPeerConnState{peerID: peerID, state: state})
	})
	if c.cfg.OnRemoteTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			c.cfg.OnRemoteTrack(peerID, track, receiver)
		})
	}

	timeout := c.cfg.NegotiationTimeout
	if timeout <= 0 {
		timeout = defaultNegotiationTimeout
	}

	peer := &peerSession{
		id:        peerID,
		pc:        pc,
		state:     PeerStateNew,
		initiator: initiator,
	}
	peer.timeout = time.AfterFunc(timeout, func() {
		c.post(evNegotiationTimeout{peerID: peerID})
	})
	c.peers[peerID] = peer

	// Candidates that arrived before we knew about this peer.
	if early := c.earlyCandidates[peerID]; len(early) > 0 {
		delete(c.earlyCandidates, peerID)
		peer.pending = append(peer.pending, early...)
	}

	if initiator {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			c.removePeer(peerID, PeerStateFailed)
			return err
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			c.removePeer(peerID, PeerStateFailed)
			return err
		}
		c.setPeerState(peer, PeerStateNegotiating)
		if err := c.sendSessionDescription(peerID, signaling.MessageTypeOffer, offer); err != nil {
			c.removePeer(peerID, PeerStateFailed)
			return err
		}
	}
	return nil
}

func (c *Client) handleOffer(peer *peerSession, payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	c.setPeerState(peer, PeerStateNegotiating)
	if err := peer.setRemoteDescription(desc); err != nil {
		return err
	}

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return c.sendSessionDescription(peer.id, signaling.MessageTypeAnswer, answer)
}

func (c *Client) sendSessionDescription(peerID string, msgType signaling.MessageType, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.transport.Send(signaling.SignalMessage{
		Type:    msgType,
		Target:  peerID,
		Payload: payload,
	})
}

func (c *Client) sendCandidate(peerID string, cand webrtc.ICECandidateInit) {
	if _, ok := c.peers[peerID]; !ok {
		return
	}
	payload, err := json.Marshal(cand)
	if err != nil {
		return
	}
	if err := c.transport.Send(signaling.SignalMessage{
		Type:    signaling.MessageTypeICECandidate,
		Target:  peerID,
		Payload: payload,
	}); err != nil {
		c.log.Debug("send candidate", "peer_id", peerID, "err", err)
	}
}

func (c *Client) handleConnState(peerID string, state webrtc.PeerConnectionState) {
	peer := c.peers[peerID]
	if peer == nil {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if peer.timeout != nil {
			peer.timeout.Stop()
		}
		c.setPeerState(peer, PeerStateConnected)
	case webrtc.PeerConnectionStateFailed:
		c.removePeer(peerID, PeerStateFailed)
	case webrtc.PeerConnectionStateClosed:
		c.removePeer(peerID, PeerStateClosed)
	case webrtc.PeerConnectionStateDisconnected:
		// Recoverable: ICE consent can drop for a moment and come back. Do
		// nothing here; an unrecoverable loss surfaces as Failed, and a
		// session that never establishes is bounded by the negotiation timeout.
		c.log.Debug("peer transport disconnected", "peer_id", peerID)
	}
}

func (c *Client) handleNegotiationTimeout(peerID string) {
	peer := c.peers[peerID]
	if peer == nil || peer.state == PeerStateConnected {
		return
	}
	c.log.Info("negotiation timed out", "peer_id", peerID)
	c.removePeer(peerID, PeerStateFailed)
}

func (c *Client) setPeerState(peer *peerSession, state PeerState) {
	if peer.state == state {
		return
	}
	peer.state = state
	if c.cfg.OnPeerState != nil {
		c.cfg.OnPeerState(peer.id, state)
	}
}

// removePeer closes a peer and forgets it. Terminal states only. The
// early-candidate buffer is dropped even when no session exists, so a peer
// that only ever trickled candidates does not leak its queue.
func (c *Client) removePeer(peerID string, terminal PeerState) {
	delete(c.earlyCandidates, peerID)
	peer := c.peers[peerID]
	if peer == nil {
		return
	}
	delete(c.peers, peerID)
	c.setPeerState(peer, terminal)
	peer.close()
	if c.cfg.OnPeerGone != nil {
		c.cfg.OnPeerGone(peerID)
	}
}

func (c *Client) teardownAll() {
	for id := range c.peers {
		c.removePeer(id, PeerStateClosed)
	}
}
