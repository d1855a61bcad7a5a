package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"consultroom/internal/rooms"
	"consultroom/internal/wshub"
)

const (
	readLimit    = 64 << 10 // SDP offers can exceed the 32KiB default
	closeTimeout = 5 * time.Second
)

// handleWS upgrades one participant connection:
// GET /ws?roomId=...&identity=...&role=doctor|patient
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := q.Get("roomId")
	identity := q.Get("identity")
	role := rooms.Role(q.Get("role"))
	if roomID == "" || identity == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing_params"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.Origins})
	if err != nil {
		s.Log.Warn("ws.accept", "room", roomID, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	sessionID := uuid.NewString()
	log := s.Log.With("room", roomID, "identity", identity, "session", sessionID)

	sendBuffer := s.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	client := &wshub.Client{
		SessionID: sessionID,
		RoomID:    roomID,
		Identity:  identity,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
	}
	s.Hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		client.WritePump(ctx)
	}()
	defer func() {
		s.Hub.Unregister(sessionID)
		select {
		case <-pumpDone:
		case <-time.After(closeTimeout):
		}
		conn.CloseNow()
	}()

	joined, err := s.Coord.OnJoin(ctx, roomID, identity, role, sessionID)
	if err != nil && !errors.Is(err, rooms.ErrPersistenceFailed) {
		_, code := errorStatus(err)
		log.Info("ws.join_rejected", "err", code)
		s.Hub.SendMessage(sessionID, wshub.ServerMessage{Type: wshub.MsgError, RoomID: roomID, Error: code})
		return
	}
	log.Debug("ws.joined", "status", joined.Status)
	defer s.Coord.OnDisconnect(ctx, roomID, sessionID)

	myRole, _ := joined.Room.RoleOf(identity)
	for {
		var msg wshub.ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("ws.read", "err", err)
			}
			return
		}

		var err error
		switch msg.Type {
		case wshub.MsgLeave:
			_, err = s.Coord.OnLeave(ctx, roomID, identity)
		case wshub.MsgEnd:
			_, err = s.Coord.Dispatch(ctx, roomID, rooms.Event{
				Kind:     rooms.EventEnd,
				Identity: identity,
				Role:     myRole,
				Session:  sessionID,
			})
		case wshub.MsgSignal:
			err = s.Coord.Relay(roomID, sessionID, msg.Payload)
		default:
			s.Hub.SendMessage(sessionID, wshub.ServerMessage{Type: wshub.MsgError, RoomID: roomID, Error: "unknown_type"})
			continue
		}
		if err != nil {
			_, code := errorStatus(err)
			log.Info("ws.event_failed", "type", msg.Type, "err", code)
			s.Hub.SendMessage(sessionID, wshub.ServerMessage{Type: wshub.MsgError, RoomID: roomID, Error: code})
		}
	}
}
