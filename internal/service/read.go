package service

import (
	"context"
	"strconv"

	"chatconsole/internal/domain"
	"chatconsole/internal/store"
)

type Transcript struct {
	Summary  *domain.ConversationSummary `json:"summary,omitempty"`
	Messages []domain.MessageView        `json:"messages"`
	Total    int                         `json:"total"`
	Offset   int                         `json:"offset"`
	HasMore  bool                        `json:"has_more"`
}

func views(ms []domain.Message) []domain.MessageView {
	out := make([]domain.MessageView, 0, len(ms))
	for _, m := range ms {
		out = append(out, domain.NewMessageView(m))
	}
	return out
}

// OpenConversation marks the conversation read by agent and returns its latest messages.
// The refreshed summary is broadcast so other agents see the read state.
func (s *ChatService) OpenConversation(ctx context.Context, agent domain.Agent, accountID int64, externalUserID string) (Transcript, error) {
	if accountID <= 0 || externalUserID == "" {
		return Transcript{}, &domain.ValidationError{Field: "account/customer_id", Reason: domain.ErrMissingFields.Error()}
	}
	var out Transcript
	var u update
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		c, found, err := tx.Customers().GetForUpdate(ctx, accountID, externalUserID)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFound("customer", externalUserID)
		}
		c.ApplyRead(agent, s.now())
		if err := tx.Customers().Update(ctx, c); err != nil {
			return err
		}

		msgs, total, err := tx.Messages().Page(ctx, accountID, externalUserID, 0, s.transcriptSize())
		if err != nil {
			return err
		}
		out = Transcript{Messages: views(msgs), Total: total, HasMore: total > len(msgs)}

		u, err = s.snapshot(ctx, tx, accountID, externalUserID)
		if err != nil {
			return err
		}
		out.Summary = u.summary
		return nil
	})
	if err != nil {
		return Transcript{}, err
	}
	s.publish(ctx, u)
	return out, nil
}

// TranscriptPage returns older messages, skipping the newest offset rows. It does not change read state.
func (s *ChatService) TranscriptPage(ctx context.Context, accountID int64, externalUserID string, offset int) (Transcript, error) {
	if offset < 0 {
		return Transcript{}, &domain.ValidationError{Field: "offset", Reason: "must be >= 0"}
	}
	_, found, err := s.Store.Customers().Get(ctx, accountID, externalUserID)
	if err != nil {
		return Transcript{}, err
	}
	if !found {
		return Transcript{}, domain.NotFound("customer", strconv.FormatInt(accountID, 10)+":"+externalUserID)
	}
	msgs, total, err := s.Store.Messages().Page(ctx, accountID, externalUserID, offset, s.transcriptSize())
	if err != nil {
		return Transcript{}, err
	}
	return Transcript{
		Messages: views(msgs),
		Total:    total,
		Offset:   offset,
		HasMore:  offset+len(msgs) < total,
	}, nil
}
