package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/presencemesh/room-relay/internal/auth"
	"github.com/presencemesh/room-relay/internal/metrics"
	"github.com/presencemesh/room-relay/internal/ratelimit"
	"github.com/presencemesh/room-relay/internal/registry"
)

const wsWriteWait = 1 * time.Second

// Server relays signaling frames between members of the same room.
//
// Fields are exported so tests and callers can use a simple struct literal;
// zero values fall back to conservative defaults via the accessor methods.
type Server struct {
	Registry *registry.Registry
	Tokens   *auth.Tokens
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// IdleTimeout closes connections that produce no frames (including pongs)
	// for this long. PingInterval must be shorter than IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxRoomMembers int

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// SendQueueDepth bounds the per-connection outbound queue. A member that
	// cannot drain its queue is disconnected rather than allowed to stall the
	// relay for everyone else in the room.
	SendQueueDepth int

	mu    sync.Mutex
	conns map[string]*wsSession
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close disconnects every live signaling connection.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.conns))
	for _, wss := range s.conns {
		sessions = append(sessions, wss)
	}
	s.mu.Unlock()

	for _, wss := range sessions {
		wss.teardown()
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.PingInterval
}

func (s *Server) maxRoomMembers() int {
	if s.MaxRoomMembers <= 0 {
		return 16
	}
	return s.MaxRoomMembers
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.MaxMessagesPerSecond
}

func (s *Server) sendQueueDepth() int {
	if s.SendQueueDepth <= 0 {
		return 64
	}
	return s.SendQueueDepth
}

func (s *Server) incMetric(name string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.Inc(name)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil || s.Tokens == nil {
		http.Error(w, "signaling server not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer httpserver origin middleware.
		// For unit tests that don't use httpserver.Server, accept all origins.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wss := &wsSession{
		srv:  s,
		conn: conn,
		id:   uuid.NewString(),
		send: make(chan []byte, s.sendQueueDepth()),
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond()),
			int64(s.maxMessagesPerSecond()),
		),
	}
	wss.log = s.logger().With("conn_id", wss.id)

	// Token validation happens at connect time. A missing or invalid token is
	// terminal: there is no in-band authentication fallback.
	token := r.URL.Query().Get("token")
	claims, err := s.Tokens.Verify(token)
	if err != nil {
		s.incMetric(metrics.AuthFailure)
		wss.log.Info("signaling auth rejected", "err", err)
		wss.sendMessage(SignalMessage{
			Type:    MessageTypeError,
			Code:    "unauthorized",
			Message: unauthorizedMessage(err),
		})
		wss.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		_ = conn.Close()
		return
	}
	wss.token = token
	wss.claims = claims

	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[string]*wsSession)
	}
	s.conns[wss.id] = wss
	s.mu.Unlock()
	s.incMetric(metrics.WSConnections)

	wss.run()
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnsupportedJWT):
		return "unsupported token"
	default:
		return "invalid or missing token"
	}
}

var errRoomFull = errors.New("room is full")

// join adds wss to roomID and fans out membership notifications. Existing
// members learn about the newcomer (user-connected) before the newcomer
// receives its member list (room-joined), so exactly one side of every pair
// ever initiates a negotiation.
func (s *Server) join(wss *wsSession, roomID string) error {
	roomID = registry.Normalize(roomID)
	// Re-verify against the requested room: auth owns the room-claim check,
	// and a token that expired since connect is caught here too.
	if _, err := s.Tokens.VerifyForRoom(wss.token, roomID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Registry.MemberCount(roomID) >= s.maxRoomMembers() {
		return errRoomFull
	}

	others, err := s.Registry.Join(roomID, wss.id)
	if err != nil {
		return err
	}
	s.incMetric(metrics.JoinsTotal)

	for _, otherID := range others {
		if other := s.conns[otherID]; other != nil {
			other.enqueueLocked(SignalMessage{
				Type:   MessageTypeUserConnected,
				UserID: wss.id,
			})
		}
	}
	wss.enqueueLocked(SignalMessage{
		Type:         MessageTypeRoomJoined,
		RoomID:       roomID,
		UserID:       wss.id,
		Participants: others,
	})
	return nil
}

// relay forwards an offer/answer/ice-candidate to its target. Frames aimed at
// unknown targets or at members of other rooms are dropped without notifying
// the sender; probing for membership must not be observable.
func (s *Server) relay(wss *wsSession, msg SignalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.conns[msg.Target]
	if target == nil || !s.Registry.SameRoom(wss.id, msg.Target) {
		s.incMetric(metrics.RelayDropped)
		wss.log.Debug("dropping misrouted signal", "type", msg.Type, "target", msg.Target)
		return
	}

	target.enqueueLocked(SignalMessage{
		Type:    msg.Type,
		From:    wss.id,
		Payload: msg.Payload,
	})
	s.incMetric(metrics.RelayForwarded)
}

// leave removes the connection from the server and its room, notifying the
// remaining members. Safe to call multiple times.
func (s *Server) leave(wss *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, wss.id)

	res, ok := s.Registry.Leave(wss.id)
	if !ok {
		return
	}
	for _, otherID := range res.Remaining {
		if other := s.conns[otherID]; other != nil {
			other.enqueueLocked(SignalMessage{
				Type:   MessageTypeUserDisconnected,
				UserID: wss.id,
			})
		}
	}
	if res.Deleted {
		s.incMetric(metrics.RoomsDeleted)
		wss.log.Info("room deleted", "room_id", res.RoomID)
	}
}

type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	id     string
	token  string
	claims auth.Claims

	limiter *ratelimit.TokenBucket

	// send is drained by writePump; enqueueLocked never blocks on it.
	send chan []byte
	done chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
}

func (wss *wsSession) run() {
	defer wss.teardown()

	go wss.writePump()

	idle := wss.srv.idleTimeout()
	wss.conn.SetReadLimit(wss.srv.maxMessageBytes())
	_ = wss.conn.SetReadDeadline(time.Now().Add(idle))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(idle))
	})

	joined := false
	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = wss.conn.SetReadDeadline(time.Now().Add(idle))

		// Apply the rate limit *after* reading so bytes already in the TCP
		// receive buffer are consumed. Closing with unread data can cause an
		// abortive close (RST), hiding the close code from the client.
		if !wss.limiter.Allow(1) {
			wss.srv.incMetric(metrics.RateLimited)
			wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseSignalMessage(data)
		if err != nil {
			wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Type {
		case MessageTypeJoinRoom:
			if joined {
				wss.fail("unexpected_message", "already joined a room", websocket.ClosePolicyViolation, "unexpected message")
				return
			}
			if err := wss.srv.join(wss, msg.RoomID); err != nil {
				switch {
				case errors.Is(err, auth.ErrRoomMismatch), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnsupportedJWT):
					wss.srv.incMetric(metrics.AuthFailure)
					wss.fail("unauthorized", err.Error(), websocket.ClosePolicyViolation, "unauthorized")
				case errors.Is(err, errRoomFull):
					wss.fail("room_full", err.Error(), websocket.ClosePolicyViolation, "room full")
				default:
					wss.fail("internal_error", err.Error(), websocket.CloseInternalServerErr, "internal error")
				}
				return
			}
			joined = true
			wss.log.Info("member joined", "room_id", registry.Normalize(msg.RoomID), "role", wss.claims.Role)
		case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
			if !joined {
				wss.fail("unexpected_message", string(msg.Type)+" received before join-room", websocket.ClosePolicyViolation, "unexpected message")
				return
			}
			wss.srv.relay(wss, msg)
		}
	}
}

func (wss *wsSession) writePump() {
	ticker := time.NewTicker(wss.srv.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case data := <-wss.send:
			if err := wss.writeRaw(websocket.TextMessage, data); err != nil {
				wss.teardown()
				return
			}
		case <-ticker.C:
			if err := wss.writeRaw(websocket.PingMessage, nil); err != nil {
				wss.teardown()
				return
			}
		case <-wss.done:
			return
		}
	}
}

// enqueueLocked queues an outbound frame. It must be called with srv.mu held;
// the queue order under that lock is the delivery order. A member whose queue
// is full is torn down asynchronously.
func (wss *wsSession) enqueueLocked(msg SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case wss.send <- data:
	default:
		wss.log.Info("send queue overflow, disconnecting")
		go wss.teardown()
	}
}

// sendMessage writes a frame synchronously, bypassing the queue. Used on
// paths where the connection is about to close.
func (wss *wsSession) sendMessage(msg SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = wss.writeRaw(websocket.TextMessage, data)
}

func (wss *wsSession) writeRaw(msgType int, data []byte) error {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(msgType, data)
}

func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	wss.sendMessage(SignalMessage{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	})
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// teardown releases everything exactly once: room membership, the connection
// table entry, the write pump, and the socket itself.
func (wss *wsSession) teardown() {
	wss.closeOnce.Do(func() {
		wss.srv.leave(wss)
		close(wss.done)
		_ = wss.conn.Close()
	})
}
