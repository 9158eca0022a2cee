package pg

import (
	"context"

	"github.com/jackc/pgx/v5"

	"chatconsole/internal/domain"
	"chatconsole/internal/store"
)

type customers struct{ q querier }

const customerSelect = `
	SELECT c.id, c.account_id, c.external_user_id, c.display_name, c.picture_url, c.nickname, c.phone, c.note,
	       c.status, c.unread_count, c.last_read_timestamp, c.last_message_at, c.is_blocked,
	       c.read_by_agent_id, COALESCE(ag.email, ''), c.created_at, c.updated_at
	FROM customers c
	LEFT JOIN agents ag ON ag.id = c.read_by_agent_id`

func scanCustomer(row pgx.Row) (domain.Customer, error) {
	var c domain.Customer
	var status string
	err := row.Scan(&c.ID, &c.AccountID, &c.ExternalUserID, &c.DisplayName, &c.PictureURL, &c.Nickname, &c.Phone, &c.Note,
		&status, &c.UnreadCount, &c.LastReadAt, &c.LastMessageAt, &c.IsBlocked,
		&c.ReadByAgentID, &c.ReadByEmail, &c.CreatedAt, &c.UpdatedAt)
	c.Status = domain.Status(status)
	return c, err
}

func (r customers) one(ctx context.Context, sql string, args ...any) (domain.Customer, bool, error) {
	c, err := scanCustomer(r.q.QueryRow(ctx, sql, args...))
	if err != nil {
		if notFound(err) {
			return domain.Customer{}, false, nil
		}
		return domain.Customer{}, false, err
	}
	return c, true, nil
}

func (r customers) Get(ctx context.Context, accountID int64, externalUserID string) (domain.Customer, bool, error) {
	return r.one(ctx, customerSelect+` WHERE c.account_id=$1 AND c.external_user_id=$2`, accountID, externalUserID)
}

func (r customers) GetForUpdate(ctx context.Context, accountID int64, externalUserID string) (domain.Customer, bool, error) {
	return r.one(ctx, customerSelect+` WHERE c.account_id=$1 AND c.external_user_id=$2 FOR UPDATE OF c`, accountID, externalUserID)
}

func (r customers) GetByIDForUpdate(ctx context.Context, id int64) (domain.Customer, bool, error) {
	return r.one(ctx, customerSelect+` WHERE c.id=$1 FOR UPDATE OF c`, id)
}

func (r customers) Ensure(ctx context.Context, in store.CustomerInsert) (domain.Customer, bool, error) {
	status := in.Status
	if status == "" {
		status = domain.StatusRead
	}
	var id int64
	created := true
	err := r.q.QueryRow(ctx, `
		INSERT INTO customers (account_id, external_user_id, display_name, picture_url, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (account_id, external_user_id) DO NOTHING
		RETURNING id
	`, in.AccountID, in.ExternalUserID, in.DisplayName, in.PictureURL, string(status), in.Now).Scan(&id)
	if err != nil {
		if !notFound(err) {
			return domain.Customer{}, false, err
		}
		created = false
	}

	c, found, err := r.GetForUpdate(ctx, in.AccountID, in.ExternalUserID)
	if err != nil {
		return domain.Customer{}, false, err
	}
	if !found {
		return domain.Customer{}, false, pgx.ErrNoRows
	}
	return c, created, nil
}

func (r customers) Update(ctx context.Context, c domain.Customer) error {
	_, err := r.q.Exec(ctx, `
		UPDATE customers
		SET display_name=$2, picture_url=$3, nickname=$4, phone=$5, note=$6,
		    status=$7, unread_count=$8, last_read_timestamp=$9, last_message_at=$10,
		    is_blocked=$11, read_by_agent_id=$12, updated_at=now()
		WHERE id=$1
	`, c.ID, c.DisplayName, c.PictureURL, c.Nickname, c.Phone, c.Note,
		string(c.Status), c.UnreadCount, c.LastReadAt, c.LastMessageAt,
		c.IsBlocked, c.ReadByAgentID)
	return err
}

func (r customers) Tags(ctx context.Context, customerID int64) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT t.name FROM customer_tags ct JOIN tags t ON t.id = ct.tag_id
		WHERE ct.customer_id=$1 ORDER BY t.name
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
