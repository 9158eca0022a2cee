package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	alice = Agent{ID: 7, Email: "alice@example.com"}
)

func TestInboundKeepsClaimedStatus(t *testing.T) {
	for _, st := range []Status{StatusDeposit, StatusWithdraw, StatusIssue} {
		agentID := alice.ID
		c := Customer{Status: st, UnreadCount: 2, ReadByAgentID: &agentID, ReadByEmail: alice.Email}
		c.ApplyInbound(t0)

		require.Equal(t, st, c.Status)
		require.Equal(t, 3, c.UnreadCount)
		require.Equal(t, t0, *c.LastMessageAt)
		require.NotNil(t, c.ReadByAgentID, "claimed conversations keep their reader")
	}
}

func TestInboundResetsToUnread(t *testing.T) {
	for _, st := range []Status{StatusUnread, StatusRead, StatusClosed} {
		agentID := alice.ID
		c := Customer{Status: st, ReadByAgentID: &agentID, ReadByEmail: alice.Email, IsBlocked: true}
		c.ApplyInbound(t0)

		require.Equal(t, StatusUnread, c.Status)
		require.Nil(t, c.ReadByAgentID)
		require.Empty(t, c.ReadByEmail)
		require.Equal(t, 1, c.UnreadCount)
		require.False(t, c.IsBlocked)
	}
}

func TestReadIsIdempotent(t *testing.T) {
	c := Customer{Status: StatusUnread, UnreadCount: 4}

	changed := c.ApplyRead(alice, t0)
	require.True(t, changed)
	first := c

	changed = c.ApplyRead(alice, t0)
	require.False(t, changed)
	require.Equal(t, first, c)
	require.Equal(t, StatusRead, c.Status)
	require.Equal(t, 0, c.UnreadCount)
	require.Equal(t, alice.ID, *c.ReadByAgentID)
	require.Equal(t, t0, *c.LastReadAt)
}

func TestReadDoesNotUnclaim(t *testing.T) {
	c := Customer{Status: StatusIssue, UnreadCount: 2}
	require.False(t, c.ApplyRead(alice, t0))
	require.Equal(t, StatusIssue, c.Status)
	require.Equal(t, 0, c.UnreadCount)
	require.Nil(t, c.ReadByAgentID)
}

func TestApplyStatus(t *testing.T) {
	c := Customer{Status: StatusUnread, UnreadCount: 3}
	logEvent, err := c.ApplyStatus(StatusDeposit, t0)
	require.NoError(t, err)
	require.False(t, logEvent)
	require.Equal(t, StatusDeposit, c.Status)
	require.Equal(t, 0, c.UnreadCount)

	logEvent, err = c.ApplyStatus(StatusClosed, t0)
	require.NoError(t, err)
	require.True(t, logEvent)
	require.Equal(t, StatusClosed, c.Status)

	// closed reopens on inbound
	c.ApplyInbound(t0.Add(time.Minute))
	require.Equal(t, StatusUnread, c.Status)
	require.Equal(t, 1, c.UnreadCount)
}

func TestApplyStatusRejectsInvalidWithoutMutation(t *testing.T) {
	c := Customer{Status: StatusRead, UnreadCount: 1}
	before := c

	for _, target := range []Status{"archived", StatusUnread, ""} {
		_, err := c.ApplyStatus(target, t0)
		require.Error(t, err)
		require.True(t, IsValidation(err))
		require.Equal(t, before, c)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Closed ")
	require.NoError(t, err)
	require.Equal(t, StatusClosed, s)

	_, err = ParseStatus("pending")
	require.True(t, IsValidation(err))
}

func TestStatusEventTextMarksClose(t *testing.T) {
	text := StatusEventText(alice.Email, StatusClosed)
	require.Contains(t, text, "closed")
	v := NewMessageView(Message{Type: MessageEvent, Text: text, IsOutgoing: true})
	require.True(t, v.IsCloseEvent)
}

func TestFieldEventText(t *testing.T) {
	require.Equal(t, "a@x changed nickname to 'Bo'", FieldEventText("a@x", "nickname", "Bo"))
	require.Equal(t, "a@x changed note", FieldEventText("a@x", "note", "secret"))
	v := NewMessageView(Message{Type: MessageEvent, Text: FieldEventText("a@x", "phone", "0812")})
	require.False(t, v.IsCloseEvent)
}

func TestInboundNeverMovesLastMessageBackwards(t *testing.T) {
	c := Customer{Status: StatusRead}
	c.ApplyInbound(t0)
	c.ApplyInbound(t0.Add(-time.Minute))

	require.Equal(t, t0, *c.LastMessageAt)
	require.Equal(t, 2, c.UnreadCount)
}
