package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatconsole/internal/domain"
)

const exportTimeLayout = "2006-01-02 15:04:05"

// ExportTranscript renders the whole conversation as plain text, oldest first.
// It does not change read state.
func (s *ChatService) ExportTranscript(ctx context.Context, accountID int64, externalUserID string) (string, error) {
	if accountID <= 0 || externalUserID == "" {
		return "", &domain.ValidationError{Field: "account/customer_id", Reason: domain.ErrMissingFields.Error()}
	}
	c, found, err := s.Store.Customers().Get(ctx, accountID, externalUserID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.NotFound("customer", strconv.FormatInt(accountID, 10)+":"+externalUserID)
	}
	msgs, err := s.Store.Messages().All(ctx, accountID, externalUserID)
	if err != nil {
		return "", err
	}

	loc := s.ExportLocation
	if loc == nil {
		loc = time.UTC
	}
	name := c.Name()
	var b strings.Builder
	fmt.Fprintf(&b, "Chat History for %s (%s)\n", name, externalUserID)
	b.WriteString(strings.Repeat("=", 40) + "\n\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", m.SentAt.In(loc).Format(exportTimeLayout), exportSender(m, name), exportBody(m))
	}
	return b.String(), nil
}

func exportSender(m domain.Message, customerName string) string {
	if !m.IsOutgoing {
		return "Customer (" + customerName + ")"
	}
	if m.AgentEmail != "" {
		return "Agent (" + m.AgentEmail + ")"
	}
	return "Agent"
}

func exportBody(m domain.Message) string {
	switch m.Type {
	case domain.MessageImage:
		return "[Image]: " + m.MediaURL
	case domain.MessageSticker:
		return "[Sticker]: ID " + m.StickerID
	case domain.MessageEvent:
		return "--- " + m.Text + " ---"
	default:
		if m.IsOutgoing && m.DeliveryOK != nil && !*m.DeliveryOK {
			return m.Text + " (not delivered: " + m.DeliveryError + ")"
		}
		return m.Text
	}
}
