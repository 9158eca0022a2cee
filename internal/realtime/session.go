package realtime

import (
	"slices"

	"github.com/google/uuid"
)

// Session is one connected websocket. Its room set is guarded by the owning Hub's lock.
type Session struct {
	ID      string
	AgentID int64

	send   chan []byte
	groups map[int64]struct{}
}

func NewSession(agentID int64, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		ID:      uuid.NewString(),
		AgentID: agentID,
		send:    make(chan []byte, buffer),
		groups:  make(map[int64]struct{}),
	}
}

// Outbox is closed by the hub when the session is removed.
func (s *Session) Outbox() <-chan []byte { return s.send }

// filterLocked is the group filter as agents see it: empty while in the catch-all room.
func (s *Session) filterLocked() []int64 {
	out := make([]int64, 0, len(s.groups))
	for g := range s.groups {
		if g != AllGroups {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out
}
