package client

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// PeerState is the orchestrator-level lifecycle of a single peer connection.
type PeerState string

const (
	PeerStateNew         PeerState = "new"
	PeerStateNegotiating PeerState = "negotiating"
	PeerStateConnected   PeerState = "connected"
	PeerStateFailed      PeerState = "failed"
	PeerStateClosed      PeerState = "closed"
)

// peerSession tracks one remote member. All fields are owned by the
// orchestrator goroutine; only close is safe to call from anywhere.
type peerSession struct {
	id        string
	pc        *webrtc.PeerConnection
	state     PeerState
	initiator bool

	// pending holds remote ICE candidates that arrived before the remote
	// description. They are applied in arrival order once it is set.
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	timeout *time.Timer

	closeOnce sync.Once
}

// setRemoteDescription applies the remote SDP and flushes any queued
// candidates in the order they arrived.
func (p *peerSession) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.remoteDescSet = true

	pending := p.pending
	p.pending = nil
	for _, cand := range pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// addRemoteCandidate applies or queues a trickled candidate depending on
// whether the remote description has been set yet.
func (p *peerSession) addRemoteCandidate(cand webrtc.ICECandidateInit) error {
	if !p.remoteDescSet {
		p.pending = append(p.pending, cand)
		return nil
	}
	return p.pc.AddICECandidate(cand)
}

// close releases the underlying peer connection. Idempotent: the state
// machine may reach a terminal state along several paths at once (remote
// disconnect, negotiation timeout, local shutdown).
func (p *peerSession) close() {
	p.closeOnce.Do(func() {
		if p.timeout != nil {
			p.timeout.Stop()
		}
		_ = p.pc.Close()
	})
}
