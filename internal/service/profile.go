package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"chatconsole/internal/domain"
	"chatconsole/internal/store"
	"chatconsole/internal/util"
)

// UpdateCustomerInfo saves agent-maintained profile fields and logs one transcript event per changed field.
func (s *ChatService) UpdateCustomerInfo(ctx context.Context, agent domain.Agent, customerID int64, in domain.CustomerInfoUpdate) (domain.ConversationSummary, error) {
	nickname := strings.TrimSpace(in.Nickname)
	phone := util.NormalizePhone(in.Phone)
	note := strings.TrimSpace(in.Note)

	var u update
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		c, found, err := tx.Customers().GetByIDForUpdate(ctx, customerID)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFound("customer", strconv.FormatInt(customerID, 10))
		}

		now := s.now()
		var msgs []domain.Message
		logChange := func(field, value string) {
			// distinct timestamps keep the events in field order within the transcript
			at := now.Add(time.Duration(len(msgs)) * time.Microsecond)
			msgs = append(msgs, s.eventMessage(agent, c, domain.FieldEventText(agent.Email, field, value), at))
		}
		if c.Nickname != nickname {
			c.Nickname = nickname
			logChange("nickname", nickname)
		}
		if c.Phone != phone {
			c.Phone = phone
			logChange("phone", phone)
		}
		if c.Note != note {
			c.Note = note
			logChange("note", note)
		}

		if len(msgs) > 0 {
			if err := tx.Customers().Update(ctx, c); err != nil {
				return err
			}
			for _, m := range msgs {
				if _, err := tx.Messages().Insert(ctx, m); err != nil {
					return err
				}
			}
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
