package pg

import (
	"context"
	"slices"

	"github.com/jackc/pgx/v5"

	"chatconsole/internal/domain"
)

type messages struct{ q querier }

const messageSelect = `
	SELECT m.id, m.account_id, m.external_user_id, m.is_outgoing, m.message_type,
	       COALESCE(m.text, ''), COALESCE(m.media_url, ''), COALESCE(m.sticker_id, ''), COALESCE(m.package_id, ''),
	       COALESCE(m.provider_message_id, ''), m.agent_id, COALESCE(ag.email, ''),
	       m.delivery_ok, COALESCE(m.delivery_error, ''), m.sent_at
	FROM messages m
	LEFT JOIN agents ag ON ag.id = m.agent_id`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var m domain.Message
	var typ string
	err := row.Scan(&m.ID, &m.AccountID, &m.ExternalUserID, &m.IsOutgoing, &typ,
		&m.Text, &m.MediaURL, &m.StickerID, &m.PackageID,
		&m.ProviderMessageID, &m.AgentID, &m.AgentEmail,
		&m.DeliveryOK, &m.DeliveryError, &m.SentAt)
	m.Type = domain.MessageType(typ)
	m.SentAt = m.SentAt.UTC()
	return m, err
}

// Insert stores received_at as sent_at when the message carries no receipt time.
func (r messages) Insert(ctx context.Context, m domain.Message) (bool, error) {
	var received any
	if !m.ReceivedAt.IsZero() {
		received = m.ReceivedAt
	}
	ct, err := r.q.Exec(ctx, `
		INSERT INTO messages (id, account_id, external_user_id, is_outgoing, message_type, text, media_url,
		                      sticker_id, package_id, provider_message_id, agent_id, delivery_ok, delivery_error,
		                      sent_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, COALESCE($15::timestamptz, $14::timestamptz))
		ON CONFLICT (account_id, provider_message_id) WHERE provider_message_id IS NOT NULL DO NOTHING
	`, m.ID, m.AccountID, m.ExternalUserID, m.IsOutgoing, string(m.Type), nullIfEmpty(m.Text), nullIfEmpty(m.MediaURL),
		nullIfEmpty(m.StickerID), nullIfEmpty(m.PackageID), nullIfEmpty(m.ProviderMessageID), m.AgentID,
		m.DeliveryOK, nullIfEmpty(m.DeliveryError), m.SentAt, received)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r messages) HasProviderMessage(ctx context.Context, accountID int64, providerMessageID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE account_id=$1 AND provider_message_id=$2)
	`, accountID, providerMessageID).Scan(&exists)
	return exists, err
}

func (r messages) Get(ctx context.Context, id string) (domain.Message, bool, error) {
	m, err := scanMessage(r.q.QueryRow(ctx, messageSelect+` WHERE m.id=$1`, id))
	if err != nil {
		if notFound(err) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

func (r messages) Latest(ctx context.Context, accountID int64, externalUserID string) (*domain.Message, error) {
	m, err := scanMessage(r.q.QueryRow(ctx, messageSelect+`
		WHERE m.account_id=$1 AND m.external_user_id=$2
		ORDER BY m.sent_at DESC, m.id DESC LIMIT 1`, accountID, externalUserID))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r messages) Page(ctx context.Context, accountID int64, externalUserID string, offset, limit int) ([]domain.Message, int, error) {
	var total int
	if err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id=$1 AND external_user_id=$2
	`, accountID, externalUserID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.q.Query(ctx, messageSelect+`
		WHERE m.account_id=$1 AND m.external_user_id=$2
		ORDER BY m.sent_at DESC, m.id DESC
		OFFSET $3 LIMIT $4`, accountID, externalUserID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	slices.Reverse(out)
	return out, total, nil
}

func (r messages) All(ctx context.Context, accountID int64, externalUserID string) ([]domain.Message, error) {
	rows, err := r.q.Query(ctx, messageSelect+`
		WHERE m.account_id=$1 AND m.external_user_id=$2
		ORDER BY m.sent_at ASC, m.id ASC`, accountID, externalUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
