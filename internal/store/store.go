package store

import (
	"context"

	"chatconsole/internal/domain"
)

type AccountRepository interface {
	ByWebhookPath(ctx context.Context, path string) (domain.Account, bool, error)
	ByID(ctx context.Context, id int64) (domain.Account, bool, error)
	GroupIDs(ctx context.Context, accountID int64) ([]int64, error)
}

type CustomerRepository interface {
	Get(ctx context.Context, accountID int64, externalUserID string) (domain.Customer, bool, error)
	// GetForUpdate and GetByIDForUpdate lock the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, accountID int64, externalUserID string) (domain.Customer, bool, error)
	GetByIDForUpdate(ctx context.Context, id int64) (domain.Customer, bool, error)
	// Ensure creates the customer if absent and returns the locked row.
	Ensure(ctx context.Context, in CustomerInsert) (c domain.Customer, created bool, err error)
	Update(ctx context.Context, c domain.Customer) error
	Tags(ctx context.Context, customerID int64) ([]string, error)
}

type MessageRepository interface {
	// Insert reports false when a row with the same provider message id already exists.
	Insert(ctx context.Context, m domain.Message) (bool, error)
	Get(ctx context.Context, id string) (domain.Message, bool, error)
	Latest(ctx context.Context, accountID int64, externalUserID string) (*domain.Message, error)
	// Page returns messages oldest first, skipping the newest offset rows, plus the total count.
	Page(ctx context.Context, accountID int64, externalUserID string, offset, limit int) ([]domain.Message, int, error)
	// All returns the whole conversation oldest first.
	All(ctx context.Context, accountID int64, externalUserID string) ([]domain.Message, error)
	HasProviderMessage(ctx context.Context, accountID int64, providerMessageID string) (bool, error)
}

type AgentRepository interface {
	ByID(ctx context.Context, id int64) (domain.Agent, bool, error)
}

type GroupRepository interface {
	List(ctx context.Context) ([]domain.Group, error)
}

type ConversationQueries interface {
	List(ctx context.Context, f ListFilter) (rows []ConversationRow, total int, err error)
	Search(ctx context.Context, term string, groupIDs []int64, limit int) ([]ConversationRow, error)
	UnreadCounts(ctx context.Context, customerIDs []int64) (map[int64]int, error)
	TagsFor(ctx context.Context, customerIDs []int64) (map[int64][]string, error)
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Accounts() AccountRepository
	Customers() CustomerRepository
	Messages() MessageRepository
}

// Store is the conversation store. Repositories returned directly run outside a transaction.
type Store interface {
	Tx
	Agents() AgentRepository
	Groups() GroupRepository
	Conversations() ConversationQueries
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
