package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxFrameBytes = 64 << 10
	filterTimeout = 3 * time.Second
)

type GroupsPayload struct {
	GroupIDs []int64 `json:"group_ids"`
}

type Handler struct {
	Hub        *Hub
	Filters    FilterStore
	Log        *slog.Logger
	Upgrader   websocket.Upgrader
	SendBuffer int
}

func NewHandler(hub *Hub, filters FilterStore, log *slog.Logger, sendBuffer int) *Handler {
	return &Handler{
		Hub:     hub,
		Filters: filters,
		Log:     log,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		SendBuffer: sendBuffer,
	}
}

// Serve upgrades the request and blocks until the session ends. The agent's persisted filter
// is restored before the first frame is delivered.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, agentID int64) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", "err", err, "agent_id", agentID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), filterTimeout)
	filter, err := h.Filters.Get(ctx, agentID)
	cancel()
	if err != nil {
		h.Log.Error("load group filter", "err", err, "agent_id", agentID)
		filter = nil
	}

	s := NewSession(agentID, h.SendBuffer)
	h.Hub.Register(s, filter)
	h.ack(s)
	h.Log.Info("session connected", "session_id", s.ID, "agent_id", agentID, "groups", h.Hub.Filter(s))

	go h.writePump(conn, s)
	h.readPump(conn, s)
}

func (h *Handler) readPump(conn *websocket.Conn, s *Session) {
	defer func() {
		h.Hub.Remove(s)
		_ = conn.Close()
		h.Log.Info("session closed", "session_id", s.ID, "agent_id", s.AgentID)
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.Log.Warn("websocket read", "err", err, "session_id", s.ID)
			}
			return
		}
		h.handle(s, f)
	}
}

func (h *Handler) handle(s *Session, f Frame) {
	var p GroupsPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.Log.Warn("bad frame payload", "err", err, "type", f.Type, "session_id", s.ID)
			return
		}
	}

	var groups []int64
	switch f.Type {
	case FrameJoin:
		groups = h.Hub.Subscribe(s, p.GroupIDs)
	case FrameUpdateActiveGroups:
		groups = h.Hub.Replace(s, p.GroupIDs)
	default:
		h.Log.Debug("ignoring frame", "type", f.Type, "session_id", s.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), filterTimeout)
	defer cancel()
	if err := h.Filters.Set(ctx, s.AgentID, groups); err != nil {
		h.Log.Error("persist group filter", "err", err, "agent_id", s.AgentID)
	}
	h.ack(s)
}

func (h *Handler) ack(s *Session) {
	f, err := NewFrame(FrameActiveGroups, GroupsPayload{GroupIDs: h.Hub.Filter(s)})
	if err != nil {
		return
	}
	if !h.Hub.SendTo(s, f) {
		h.Log.Warn("could not queue ack", "session_id", s.ID)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Log.Warn("websocket write", "err", err, "session_id", s.ID)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
