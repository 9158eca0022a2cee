// Package realtime fans conversation updates out to connected agent sessions, scoped by
// account group.
package realtime

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"chatconsole/internal/observability"
)

// AllGroups is the catch-all room. Sessions with an empty filter sit here and see every account.
const AllGroups int64 = 0

const (
	FrameNewMessage         = "new_message"
	FrameConversationUpdate = "render_conversation_update"
	FrameActiveGroups       = "active_groups"

	FrameJoin               = "join"
	FrameUpdateActiveGroups = "update_active_groups"
)

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewFrame(typ string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: b}, nil
}

type Hub struct {
	mu       sync.RWMutex
	rooms    map[int64]map[*Session]struct{}
	sessions map[*Session]struct{}
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		rooms:    make(map[int64]map[*Session]struct{}),
		sessions: make(map[*Session]struct{}),
		log:      log,
	}
}

// Register adds a session with its initial filter.
func (h *Hub) Register(s *Session, groupIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		h.sessions[s] = struct{}{}
		observability.ActiveSessions.Inc()
	}
	h.replaceLocked(s, groupIDs)
}

// Subscribe joins additional group rooms and returns the session's resulting filter.
func (h *Hub) Subscribe(s *Session, groupIDs []int64) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(groupIDs) == 0 {
		return s.filterLocked()
	}
	h.leaveLocked(s, AllGroups)
	for _, g := range groupIDs {
		if g != AllGroups {
			h.joinLocked(s, g)
		}
	}
	if len(s.groups) == 0 {
		h.joinLocked(s, AllGroups)
	}
	return s.filterLocked()
}

// Replace swaps the session's filter in one step so no publish sees it half-updated.
func (h *Hub) Replace(s *Session, groupIDs []int64) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replaceLocked(s, groupIDs)
	return s.filterLocked()
}

// ReplaceAgent applies Replace to every session of one agent and reports how many moved.
func (h *Hub) ReplaceAgent(agentID int64, groupIDs []int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.sessions {
		if s.AgentID == agentID {
			h.replaceLocked(s, groupIDs)
			n++
		}
	}
	return n
}

// Remove leaves every room and closes the session's send buffer. Safe to call twice.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	for g := range s.groups {
		h.leaveLocked(s, g)
	}
	delete(h.sessions, s)
	observability.ActiveSessions.Dec()
	close(s.send)
}

// Publish delivers one frame to every session in any of groupIDs or in the catch-all room.
// A session present in several target rooms receives a single copy.
func (h *Hub) Publish(groupIDs []int64, f Frame) int {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Error("encode frame", "err", err, "type", f.Type)
		return 0
	}

	var slow []*Session
	delivered := 0
	h.mu.RLock()
	targets := make(map[*Session]struct{})
	for _, g := range append(slices.Clone(groupIDs), AllGroups) {
		for s := range h.rooms[g] {
			targets[s] = struct{}{}
		}
	}
	for s := range targets {
		select {
		case s.send <- b:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	observability.BroadcastDeliveries.WithLabelValues(f.Type).Add(float64(delivered))
	if len(slow) > 0 {
		h.mu.Lock()
		for _, s := range slow {
			h.log.Warn("session send buffer full, dropping", "session_id", s.ID, "agent_id", s.AgentID)
			observability.BroadcastDrops.Inc()
			h.removeLocked(s)
		}
		h.mu.Unlock()
	}
	return delivered
}

// SendTo queues a frame for one session only. It reports false for a full or removed session.
func (h *Hub) SendTo(s *Session, f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (h *Hub) Filter(s *Session) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return s.filterLocked()
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) replaceLocked(s *Session, groupIDs []int64) {
	for g := range s.groups {
		h.leaveLocked(s, g)
	}
	for _, g := range groupIDs {
		if g != AllGroups {
			h.joinLocked(s, g)
		}
	}
	if len(s.groups) == 0 {
		h.joinLocked(s, AllGroups)
	}
}

func (h *Hub) joinLocked(s *Session, g int64) {
	room, ok := h.rooms[g]
	if !ok {
		room = make(map[*Session]struct{})
		h.rooms[g] = room
	}
	room[s] = struct{}{}
	s.groups[g] = struct{}{}
}

func (h *Hub) leaveLocked(s *Session, g int64) {
	if room, ok := h.rooms[g]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, g)
		}
	}
	delete(s.groups, g)
}
