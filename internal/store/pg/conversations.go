package pg

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"chatconsole/internal/domain"
	"chatconsole/internal/store"
)

type conversations struct{ q querier }

// conversationFrom joins every customer to its account and latest message. Customers with no
// messages drop out of the join.
const conversationFrom = `
	FROM customers c
	JOIN accounts a ON a.id = c.account_id
	LEFT JOIN agents ag ON ag.id = c.read_by_agent_id
	JOIN LATERAL (
		SELECT m.id, m.is_outgoing, m.message_type,
		       COALESCE(m.text, '') AS text, COALESCE(m.media_url, '') AS media_url,
		       COALESCE(m.sticker_id, '') AS sticker_id, COALESCE(m.package_id, '') AS package_id,
		       COALESCE(m.provider_message_id, '') AS provider_message_id, m.agent_id,
		       COALESCE(mag.email, '') AS agent_email, m.delivery_ok,
		       COALESCE(m.delivery_error, '') AS delivery_error, m.sent_at
		FROM messages m
		LEFT JOIN agents mag ON mag.id = m.agent_id
		WHERE m.account_id = c.account_id AND m.external_user_id = c.external_user_id
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT 1
	) l ON true`

const conversationColumns = `
	SELECT c.id, c.account_id, c.external_user_id, c.display_name, c.picture_url, c.nickname, c.phone, c.note,
	       c.status, c.unread_count, c.last_read_timestamp, c.last_message_at, c.is_blocked,
	       c.read_by_agent_id, COALESCE(ag.email, ''), c.created_at, c.updated_at,
	       a.name,
	       l.id, l.is_outgoing, l.message_type, l.text, l.media_url, l.sticker_id, l.package_id,
	       l.provider_message_id, l.agent_id, l.agent_email, l.delivery_ok, l.delivery_error, l.sent_at`

const groupScope = `
	(COALESCE(cardinality($2::bigint[]), 0) = 0 OR EXISTS (
		SELECT 1 FROM account_groups g WHERE g.account_id = c.account_id AND g.group_id = ANY($2::bigint[])
	))`

func scanConversation(row pgx.Row) (store.ConversationRow, error) {
	var out store.ConversationRow
	var c domain.Customer
	var m domain.Message
	var status, typ string
	err := row.Scan(&c.ID, &c.AccountID, &c.ExternalUserID, &c.DisplayName, &c.PictureURL, &c.Nickname, &c.Phone, &c.Note,
		&status, &c.UnreadCount, &c.LastReadAt, &c.LastMessageAt, &c.IsBlocked,
		&c.ReadByAgentID, &c.ReadByEmail, &c.CreatedAt, &c.UpdatedAt,
		&out.Account.Name,
		&m.ID, &m.IsOutgoing, &typ, &m.Text, &m.MediaURL, &m.StickerID, &m.PackageID,
		&m.ProviderMessageID, &m.AgentID, &m.AgentEmail, &m.DeliveryOK, &m.DeliveryError, &m.SentAt)
	if err != nil {
		return out, err
	}
	c.Status = domain.Status(status)
	m.Type = domain.MessageType(typ)
	m.AccountID = c.AccountID
	m.ExternalUserID = c.ExternalUserID
	m.SentAt = m.SentAt.UTC()
	out.Account.ID = c.AccountID
	out.Customer = c
	out.Latest = &m
	return out, nil
}

func collectConversations(rows pgx.Rows) ([]store.ConversationRow, error) {
	defer rows.Close()
	out := []store.ConversationRow{}
	for rows.Next() {
		r, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (r conversations) List(ctx context.Context, f store.ListFilter) ([]store.ConversationRow, int, error) {
	status := string(f.Status)
	groupIDs := f.GroupIDs
	if groupIDs == nil {
		groupIDs = []int64{}
	}

	var total int
	if err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM customers c
		WHERE ($1::text = '' OR c.status = $1::text)
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.account_id = c.account_id AND m.external_user_id = c.external_user_id)
		  AND `+groupScope, status, groupIDs).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.q.Query(ctx, conversationColumns+conversationFrom+`
		WHERE ($1::text = '' OR c.status = $1::text) AND `+groupScope+`
		ORDER BY (c.status = 'closed') ASC, l.sent_at DESC, c.id DESC
		LIMIT $3 OFFSET $4`, status, groupIDs, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := collectConversations(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r conversations) Search(ctx context.Context, term string, groupIDs []int64, limit int) ([]store.ConversationRow, error) {
	if groupIDs == nil {
		groupIDs = []int64{}
	}
	pattern := "%" + escapeLike(strings.TrimSpace(term)) + "%"
	rows, err := r.q.Query(ctx, conversationColumns+conversationFrom+`
		WHERE (c.nickname ILIKE $1 OR c.phone ILIKE $1 OR c.display_name ILIKE $1 OR c.external_user_id ILIKE $1)
		  AND `+groupScope+`
		ORDER BY l.sent_at DESC, c.id DESC
		LIMIT $3`, pattern, groupIDs, limit)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

// UnreadCounts counts inbound customer messages received after each customer's last read, in one query.
// received_at and last_read_timestamp share the server clock, which keeps the count equal to unread_count.
func (r conversations) UnreadCounts(ctx context.Context, customerIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(customerIDs))
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.q.Query(ctx, `
		SELECT c.id, COUNT(m.id)
		FROM customers c
		JOIN messages m ON m.account_id = c.account_id AND m.external_user_id = c.external_user_id
		WHERE c.id = ANY($1::bigint[])
		  AND NOT m.is_outgoing
		  AND m.message_type <> 'event'
		  AND (c.last_read_timestamp IS NULL OR m.received_at > c.last_read_timestamp)
		GROUP BY c.id
	`, customerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (r conversations) TagsFor(ctx context.Context, customerIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(customerIDs))
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.q.Query(ctx, `
		SELECT ct.customer_id, t.name
		FROM customer_tags ct JOIN tags t ON t.id = ct.tag_id
		WHERE ct.customer_id = ANY($1::bigint[])
		ORDER BY ct.customer_id, t.name
	`, customerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
