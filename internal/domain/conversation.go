package domain

import (
	"fmt"
	"time"
)

type EventKind int

const (
	EventInbound EventKind = iota
	EventAgentRead
	EventAgentSetStatus
)

// NextStatus is the status transition table. target is only consulted for EventAgentSetStatus.
func NextStatus(current Status, ev EventKind, target Status) (Status, error) {
	switch ev {
	case EventInbound:
		if current.Claimed() {
			return current, nil
		}
		return StatusUnread, nil
	case EventAgentRead:
		if current == StatusUnread {
			return StatusRead, nil
		}
		return current, nil
	case EventAgentSetStatus:
		if !target.AgentAssignable() {
			return current, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q cannot be set by an agent", target)}
		}
		return target, nil
	default:
		return current, fmt.Errorf("unknown event kind %d", ev)
	}
}

// ApplyInbound records one new customer message. last_message_at never moves backwards, so a
// late or out-of-order event only counts towards unread.
func (c *Customer) ApplyInbound(at time.Time) {
	next, _ := NextStatus(c.Status, EventInbound, "")
	if next == StatusUnread {
		c.ReadByAgentID = nil
		c.ReadByEmail = ""
	}
	c.Status = next
	c.UnreadCount++
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		c.LastMessageAt = timePtr(at)
	}
	// a customer who can message the account has not blocked it
	c.IsBlocked = false
}

// ApplyRead is the agent opening the thread. Calling it twice yields the same state.
func (c *Customer) ApplyRead(agent Agent, now time.Time) (statusChanged bool) {
	next, _ := NextStatus(c.Status, EventAgentRead, "")
	if next != c.Status {
		c.Status = next
		c.ReadByAgentID = &agent.ID
		c.ReadByEmail = agent.Email
		statusChanged = true
	}
	c.UnreadCount = 0
	c.LastReadAt = timePtr(now)
	return statusChanged
}

// ApplyStatus sets an agent-chosen status. The customer is untouched on error.
// logEvent reports whether a transcript event row must accompany the change.
func (c *Customer) ApplyStatus(target Status, now time.Time) (logEvent bool, err error) {
	next, err := NextStatus(c.Status, EventAgentSetStatus, target)
	if err != nil {
		return false, err
	}
	c.Status = next
	c.UnreadCount = 0
	c.LastReadAt = timePtr(now)
	return next == StatusClosed, nil
}

func StatusEventText(agentEmail string, s Status) string {
	return fmt.Sprintf("%s changed status to '%s'", agentEmail, s)
}

func timePtr(t time.Time) *time.Time { return &t }

// FieldEventText logs a profile field edit. Notes are free text, so only the fact of the change is logged.
func FieldEventText(agentEmail, field, value string) string {
	if field == "note" {
		return fmt.Sprintf("%s changed note", agentEmail)
	}
	return fmt.Sprintf("%s changed %s to '%s'", agentEmail, field, value)
}
