package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatconsole/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Accounts() store.AccountRepository        { return accounts{q: s.DB} }
func (s *Store) Customers() store.CustomerRepository      { return customers{q: s.DB} }
func (s *Store) Messages() store.MessageRepository        { return messages{q: s.DB} }
func (s *Store) Agents() store.AgentRepository            { return agents{q: s.DB} }
func (s *Store) Groups() store.GroupRepository            { return groups{q: s.DB} }
func (s *Store) Conversations() store.ConversationQueries { return conversations{q: s.DB} }

// WithTx runs fn in one read-committed transaction. Any error from fn rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(txRepos{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txRepos struct {
	tx pgx.Tx
}

func (t txRepos) Accounts() store.AccountRepository   { return accounts{q: t.tx} }
func (t txRepos) Customers() store.CustomerRepository { return customers{q: t.tx} }
func (t txRepos) Messages() store.MessageRepository   { return messages{q: t.tx} }

func notFound(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
