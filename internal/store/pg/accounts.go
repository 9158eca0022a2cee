package pg

import (
	"context"

	"chatconsole/internal/domain"
)

type accounts struct{ q querier }

const accountColumns = `id, name, channel_id, channel_secret, access_token, webhook_path`

func (r accounts) ByWebhookPath(ctx context.Context, path string) (domain.Account, bool, error) {
	return r.one(ctx, `SELECT `+accountColumns+` FROM accounts WHERE webhook_path=$1`, path)
}

func (r accounts) ByID(ctx context.Context, id int64) (domain.Account, bool, error) {
	return r.one(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
}

func (r accounts) one(ctx context.Context, sql string, arg any) (domain.Account, bool, error) {
	var a domain.Account
	err := r.q.QueryRow(ctx, sql, arg).Scan(&a.ID, &a.Name, &a.ChannelID, &a.ChannelSecret, &a.AccessToken, &a.WebhookPath)
	if err != nil {
		if notFound(err) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return a, true, nil
}

func (r accounts) GroupIDs(ctx context.Context, accountID int64) ([]int64, error) {
	rows, err := r.q.Query(ctx, `SELECT group_id FROM account_groups WHERE account_id=$1 ORDER BY group_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type agents struct{ q querier }

func (r agents) ByID(ctx context.Context, id int64) (domain.Agent, bool, error) {
	var a domain.Agent
	err := r.q.QueryRow(ctx, `SELECT id, email, display_name FROM agents WHERE id=$1`, id).Scan(&a.ID, &a.Email, &a.DisplayName)
	if err != nil {
		if notFound(err) {
			return domain.Agent{}, false, nil
		}
		return domain.Agent{}, false, err
	}
	return a, true, nil
}

type groups struct{ q querier }

func (r groups) List(ctx context.Context) ([]domain.Group, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Group{}
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
