package service

import (
	"context"
	"fmt"

	"chatconsole/internal/domain"
	"chatconsole/internal/store"
)

// summary reads the committed-to-be state of one conversation inside tx, so the snapshot
// reflects exactly what the transaction wrote.
func (s *ChatService) summary(ctx context.Context, tx store.Tx, accountID int64, externalUserID string) (domain.ConversationSummary, bool, error) {
	acc, found, err := tx.Accounts().ByID(ctx, accountID)
	if err != nil || !found {
		return domain.ConversationSummary{}, false, err
	}
	c, found, err := tx.Customers().Get(ctx, accountID, externalUserID)
	if err != nil || !found {
		return domain.ConversationSummary{}, false, err
	}
	tags, err := tx.Customers().Tags(ctx, c.ID)
	if err != nil {
		return domain.ConversationSummary{}, false, fmt.Errorf("load tags: %w", err)
	}
	latest, err := tx.Messages().Latest(ctx, accountID, externalUserID)
	if err != nil {
		return domain.ConversationSummary{}, false, fmt.Errorf("load latest message: %w", err)
	}
	return domain.BuildSummary(acc, c, tags, latest), true, nil
}

// snapshot is summary plus the account's group rooms, for a change that will be broadcast.
func (s *ChatService) snapshot(ctx context.Context, tx store.Tx, accountID int64, externalUserID string, msgs ...domain.Message) (update, error) {
	sum, found, err := s.summary(ctx, tx, accountID, externalUserID)
	if err != nil {
		return update{}, err
	}
	if !found {
		return update{}, domain.NotFound("customer", externalUserID)
	}
	groups, err := tx.Accounts().GroupIDs(ctx, accountID)
	if err != nil {
		return update{}, fmt.Errorf("load account groups: %w", err)
	}
	return update{groupIDs: groups, summary: &sum, messages: msgs}, nil
}
