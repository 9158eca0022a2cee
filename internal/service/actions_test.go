package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatconsole/internal/domain"
	"chatconsole/internal/providers/line"
)

func TestOpenConversationMarksReadAndPages(t *testing.T) {
	f := newFixture()
	var evs []line.Event
	for i := 0; i < 12; i++ {
		evs = append(evs, textEvent("U1", fmt.Sprintf("m%d", i), fmt.Sprintf("text %d", i), baseTS+int64(i)*1000))
	}
	require.NoError(t, deliver(t, f, evs...))
	ctx := context.Background()

	tr, err := f.svc.OpenConversation(ctx, f.agent, 1, "U1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRead, tr.Summary.Status)
	require.Zero(t, tr.Summary.UnreadCount)
	require.Equal(t, f.agent.Email, tr.Summary.ReadBy)
	require.Len(t, tr.Messages, defaultTranscriptSize)
	require.Equal(t, 12, tr.Total)
	require.True(t, tr.HasMore)
	require.Equal(t, "text 2", tr.Messages[0].Content)
	require.Equal(t, "text 11", tr.Messages[9].Content)

	last := f.bcast.records[len(f.bcast.records)-1]
	require.Equal(t, "update", last.kind)
	require.Equal(t, domain.StatusRead, last.summary.Status)

	older, err := f.svc.TranscriptPage(ctx, 1, "U1", 10)
	require.NoError(t, err)
	require.Len(t, older.Messages, 2)
	require.Equal(t, "text 0", older.Messages[0].Content)
	require.False(t, older.HasMore)
	require.Equal(t, 10, older.Offset)

	again, err := f.svc.OpenConversation(ctx, f.agent, 1, "U1")
	require.NoError(t, err)
	require.Equal(t, tr.Summary.Status, again.Summary.Status)
	require.Equal(t, tr.Summary.ReadBy, again.Summary.ReadBy)
}

func TestOpenConversationKeepsClaimedStatus(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", func(c *domain.Customer) { c.Status = domain.StatusIssue; c.UnreadCount = 3 })

	tr, err := f.svc.OpenConversation(context.Background(), f.agent, 1, "U1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusIssue, tr.Summary.Status)
	require.Zero(t, tr.Summary.UnreadCount)
	require.Empty(t, tr.Messages)
}

func TestOpenConversationErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.OpenConversation(ctx, f.agent, 1, "U404")
	require.True(t, domain.IsNotFound(err))
	_, err = f.svc.OpenConversation(ctx, f.agent, 0, "U1")
	require.True(t, domain.IsValidation(err))
	_, err = f.svc.TranscriptPage(ctx, 1, "U404", 0)
	require.True(t, domain.IsNotFound(err))
	_, err = f.svc.TranscriptPage(ctx, 1, "U1", -1)
	require.True(t, domain.IsValidation(err))
}

func TestSetStatus(t *testing.T) {
	f := newFixture()
	require.NoError(t, deliver(t, f, textEvent("U1", "m1", "refund please", baseTS)))
	c, _ := f.customer("U1")
	ctx := context.Background()

	sum, err := f.svc.SetStatus(ctx, f.agent, c.ID, "deposit")
	require.NoError(t, err)
	require.Equal(t, domain.StatusDeposit, sum.Status)
	require.Zero(t, sum.UnreadCount)
	require.Len(t, f.messages("U1"), 1, "only closing logs an event")

	sum, err = f.svc.SetStatus(ctx, f.agent, c.ID, "Closed")
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, sum.Status)
	require.Equal(t, "[Event]", sum.LastMessagePreview)
	require.Equal(t, domain.PrefixAgent, sum.LastMessagePrefix)

	msgs := f.messages("U1")
	require.Len(t, msgs, 2)
	require.Equal(t, domain.MessageEvent, msgs[1].Type)
	require.Equal(t, "alice@acme.test changed status to 'closed'", msgs[1].Text)

	last := f.bcast.records[len(f.bcast.records)-1]
	require.Equal(t, "message", last.kind)
	require.True(t, last.message.IsCloseEvent)
}

func TestSetStatusRejectsWithoutMutation(t *testing.T) {
	f := newFixture()
	c := f.seedCustomer(t, "U1", func(c *domain.Customer) { c.Status = domain.StatusClosed })
	ctx := context.Background()

	for _, raw := range []string{"unread", "archived", ""} {
		_, err := f.svc.SetStatus(ctx, f.agent, c.ID, raw)
		require.True(t, domain.IsValidation(err), raw)
	}
	after, _ := f.customer("U1")
	require.Equal(t, domain.StatusClosed, after.Status)
	require.Empty(t, f.bcast.kinds())

	_, err := f.svc.SetStatus(ctx, f.agent, 999, "read")
	require.True(t, domain.IsNotFound(err))
}

func TestUpdateCustomerInfo(t *testing.T) {
	f := newFixture()
	c := f.seedCustomer(t, "U1", nil)
	ctx := context.Background()

	sum, err := f.svc.UpdateCustomerInfo(ctx, f.agent, c.ID, domain.CustomerInfoUpdate{
		Nickname: "  Boss ", Phone: "081-234 5678", Note: "prefers mornings",
	})
	require.NoError(t, err)
	require.Equal(t, "Boss", sum.DisplayName)

	after, _ := f.customer("U1")
	require.Equal(t, "0812345678", after.Phone)
	require.Equal(t, "prefers mornings", after.Note)

	msgs := f.messages("U1")
	require.Len(t, msgs, 3)
	require.Equal(t, "alice@acme.test changed nickname to 'Boss'", msgs[0].Text)
	require.Equal(t, "alice@acme.test changed phone to '0812345678'", msgs[1].Text)
	require.Equal(t, "alice@acme.test changed note", msgs[2].Text)

	before := len(f.bcast.records)
	_, err = f.svc.UpdateCustomerInfo(ctx, f.agent, c.ID, domain.CustomerInfoUpdate{
		Nickname: "Boss", Phone: "0812345678", Note: "prefers mornings",
	})
	require.NoError(t, err)
	require.Len(t, f.messages("U1"), 3, "unchanged fields log nothing")
	require.Equal(t, []string{"update"}, f.bcast.kinds()[before:])

	_, err = f.svc.UpdateCustomerInfo(ctx, f.agent, 404, domain.CustomerInfoUpdate{})
	require.True(t, domain.IsNotFound(err))
}

func TestExportTranscript(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.ExportLocation = time.FixedZone("ICT", 7*3600)
	f.provider.profiles["U1"] = line.Profile{DisplayName: "Pim"}

	require.NoError(t, deliver(t, f, textEvent("U1", "m1", "where is my order?", baseTS)))
	_, err := f.svc.SendMessage(ctx, f.agent, sendText("U1", "on its way"))
	require.NoError(t, err)
	c, _ := f.customer("U1")
	_, err = f.svc.SetStatus(ctx, f.agent, c.ID, "closed")
	require.NoError(t, err)

	text, err := f.svc.ExportTranscript(ctx, 1, "U1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(text, "Chat History for Pim (U1)\n"+strings.Repeat("=", 40)+"\n\n"))
	require.Contains(t, text, "[2024-05-01 15:00:00] Customer (Pim):\nwhere is my order?\n\n")
	require.Contains(t, text, "Agent (alice@acme.test):\non its way\n\n")
	require.Contains(t, text, "--- alice@acme.test changed status to 'closed' ---")
	require.Less(t, strings.Index(text, "where is my order?"), strings.Index(text, "on its way"))

	after, _ := f.customer("U1")
	require.Equal(t, c.UnreadCount, after.UnreadCount, "exporting does not mark the conversation read")

	_, err = f.svc.ExportTranscript(ctx, 1, "nobody")
	require.True(t, domain.IsNotFound(err))
	_, err = f.svc.ExportTranscript(ctx, 0, "U1")
	require.True(t, domain.IsValidation(err))
}
