// Package signaling implements the WebSocket message relay between room
// members: join-room plus targeted offer/answer/ice-candidate forwarding.
package signaling
