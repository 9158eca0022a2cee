// Package pgtest starts a throwaway Postgres for store and service tests.
package pgtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"chatconsole/internal/store/pg"
)

func retry(n int, fn func() error) error {
	backoff := 200 * time.Millisecond
	var err error
	for i := 0; i < n; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(backoff)
		if backoff < 3*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("giving up after %d tries: %w", n, err)
}

// Start runs postgres:16-alpine, applies the schema and returns a pool closed on cleanup.
// Skipped under -short.
func Start(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	req := tc.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_USER":     "chat",
			"POSTGRES_PASSWORD": "chat",
			"POSTGRES_DB":       "chat",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("host=%s port=%s user=chat password=chat dbname=chat sslmode=disable", host, port.Port())
		}).WithStartupTimeout(120 * time.Second).WithPollInterval(300 * time.Millisecond),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mp, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://chat:chat@%s:%s/chat?sslmode=disable", host, mp.Port())

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.MaxConns = 8
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := retry(8, func() error { return pg.Migrate(ctx, pool) }); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// Fixture ids returned by Seed.
type Fixture struct {
	AgentID   int64
	GroupID   int64
	AccountID int64
}

// Seed inserts one agent, one group and one account in that group.
func Seed(t testing.TB, pool *pgxpool.Pool, webhookPath, secret string) Fixture {
	t.Helper()
	ctx := context.Background()
	var f Fixture
	err := pool.QueryRow(ctx, `INSERT INTO agents (email, display_name) VALUES ($1, 'Agent') RETURNING id`,
		webhookPath+"@agents.test").Scan(&f.AgentID)
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO groups (name) VALUES ($1) RETURNING id`, "group-"+webhookPath).Scan(&f.GroupID); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	err = pool.QueryRow(ctx, `
		INSERT INTO accounts (name, channel_id, channel_secret, access_token, webhook_path)
		VALUES ($1, $2, $3, $4, $1) RETURNING id`, webhookPath, "chan-"+webhookPath, secret, "token-"+webhookPath).Scan(&f.AccountID)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO account_groups (account_id, group_id) VALUES ($1, $2)`, f.AccountID, f.GroupID); err != nil {
		t.Fatalf("seed account group: %v", err)
	}
	return f
}
