// Package control is the REST surface for room lifecycle: health probes,
// room creation, and join-token issuance.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/presencemesh/room-relay/internal/auth"
	"github.com/presencemesh/room-relay/internal/metrics"
	"github.com/presencemesh/room-relay/internal/registry"
)

const maxControlBodyBytes = 4 * 1024

type Handlers struct {
	Registry *registry.Registry
	Tokens   *auth.Tokens
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /rooms/create", h.handleCreateRoom)
	mux.HandleFunc("POST /rooms/join", h.handleJoinRoom)
}

func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func (h *Handlers) incMetric(name string) {
	if h.Metrics != nil {
		h.Metrics.Inc(name)
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type roomResponse struct {
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
}

func (h *Handlers) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.Registry.Create()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to allocate room")
		return
	}

	token, err := h.Tokens.Issue(roomID, auth.RoleHost)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to issue token")
		return
	}

	h.incMetric(metrics.RoomsCreated)
	if h.Logger != nil {
		h.Logger.Info("room created", "room_id", roomID)
	}
	writeJSON(w, http.StatusCreated, roomResponse{RoomID: roomID, Token: token})
}

type joinRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (h *Handlers) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	var req joinRoomRequest
	if err := decodeStrictJSON(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.RoomID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "roomId is required")
		return
	}

	roomID := registry.Normalize(req.RoomID)
	if !h.Registry.Exists(roomID) {
		writeJSONError(w, http.StatusNotFound, "room_not_found", "room does not exist")
		return
	}

	token, err := h.Tokens.Issue(roomID, auth.RoleParticipant)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, roomResponse{RoomID: roomID, Token: token})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
