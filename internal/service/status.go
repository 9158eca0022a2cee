package service

import (
	"context"
	"strconv"
	"time"

	"chatconsole/internal/domain"
	"chatconsole/internal/store"
)

// SetStatus applies an agent-chosen status. Closing appends an event row to the transcript.
func (s *ChatService) SetStatus(ctx context.Context, agent domain.Agent, customerID int64, raw string) (domain.ConversationSummary, error) {
	target, err := domain.ParseStatus(raw)
	if err != nil {
		return domain.ConversationSummary{}, err
	}

	var u update
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		c, found, err := tx.Customers().GetByIDForUpdate(ctx, customerID)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFound("customer", strconv.FormatInt(customerID, 10))
		}
		now := s.now()
		logEvent, err := c.ApplyStatus(target, now)
		if err != nil {
			return err
		}
		if err := tx.Customers().Update(ctx, c); err != nil {
			return err
		}

		var msgs []domain.Message
		if logEvent {
			m := s.eventMessage(agent, c, domain.StatusEventText(agent.Email, target), now)
			if _, err := tx.Messages().Insert(ctx, m); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		u, err = s.snapshot(ctx, tx, c.AccountID, c.ExternalUserID, msgs...)
		return err
	})
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	s.publish(ctx, u)
	return *u.summary, nil
}

func (s *ChatService) eventMessage(agent domain.Agent, c domain.Customer, text string, at time.Time) domain.Message {
	return domain.Message{
		ID:             s.newID(),
		AccountID:      c.AccountID,
		ExternalUserID: c.ExternalUserID,
		IsOutgoing:     true,
		Type:           domain.MessageEvent,
		Text:           text,
		AgentID:        &agent.ID,
		AgentEmail:     agent.Email,
		SentAt:         at,
	}
}
