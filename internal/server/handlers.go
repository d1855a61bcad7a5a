package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"consultroom/internal/broadcast"
	"consultroom/internal/coordinator"
	"consultroom/internal/notify"
	"consultroom/internal/rooms"
	"consultroom/internal/wshub"
)

type Server struct {
	Coord       *coordinator.Coordinator
	Hub         *wshub.Hub
	Broadcaster *broadcast.Broadcaster
	Log         *slog.Logger
	// Checks are the backing services /health pings, in order.
	Checks []HealthCheck

	SendBuffer int
	// Origins are the websocket origin host patterns besides the request host.
	Origins []string
}

type HealthCheck struct {
	Name string
	Ping func(context.Context) error
}

type createRoomRequest struct {
	AppointmentID string `json:"appointmentId"`
	DoctorID      string `json:"doctorId"`
	PatientID     string `json:"patientId"`
}

type endRoomRequest struct {
	Role     rooms.Role `json:"role"`
	Identity string     `json:"identity,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps a room error to an HTTP status and a stable error code
// shared with websocket error frames.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, rooms.ErrInvalidRoom):
		return http.StatusBadRequest, "invalid_room"
	case errors.Is(err, rooms.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, rooms.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, rooms.ErrDuplicateRoom):
		return http.StatusConflict, "duplicate_room"
	case errors.Is(err, rooms.ErrRoomClosed):
		return http.StatusGone, "room_closed"
	case errors.Is(err, rooms.ErrOverloaded):
		return http.StatusServiceUnavailable, "overloaded"
	case errors.Is(err, rooms.ErrPersistenceFailed):
		return http.StatusServiceUnavailable, "persistence_failed"
	case errors.Is(err, coordinator.ErrNotAttached):
		return http.StatusConflict, "not_attached"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.Log.Error("http.error", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: code})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
		return
	}

	room, err := s.Coord.CreateRoom(r.Context(), req.AppointmentID, req.DoctorID, req.PatientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, live, err := s.Coord.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coordinator.View{Room: room, Live: live})
}

func (s *Server) handleEndRoom(w http.ResponseWriter, r *http.Request) {
	var req endRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
		return
	}

	eff, err := s.Coord.Dispatch(r.Context(), r.PathValue("id"), rooms.Event{
		Kind:     rooms.EventEnd,
		Role:     req.Role,
		Identity: req.Identity,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff.Room)
}

// handleNotifications streams call-ended events as server-sent events.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	msgChan := s.Broadcaster.Subscribe()
	defer s.Broadcaster.Unsubscribe(msgChan)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-msgChan:
			data, err := notify.Encode(ev)
			if err != nil {
				s.Log.Error("sse.encode", "room", ev.RoomID, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", wshub.MsgCallEnded)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, check := range s.Checks {
		if err := check.Ping(ctx); err != nil {
			s.Log.Error("health.check", "check", check.Name, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": check.Name + "_error"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.Hub.Len(),
		"dirty":    len(s.Coord.DirtyRooms()),
	})
}
