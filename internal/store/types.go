package store

import (
	"time"

	"chatconsole/internal/domain"
)

type CustomerInsert struct {
	AccountID      int64
	ExternalUserID string
	DisplayName    string
	PictureURL     string
	Status         domain.Status
	Now            time.Time
}

// ProfileUpdate carries a best-effort provider profile. Empty fields leave the stored value.
type ProfileUpdate struct {
	DisplayName string
	PictureURL  string
}

type ListFilter struct {
	// Status empty means every status.
	Status   domain.Status
	GroupIDs []int64
	Limit    int
	Offset   int
}

// ConversationRow is one customer with its account and latest message, as read by list queries.
type ConversationRow struct {
	Account  domain.Account
	Customer domain.Customer
	Latest   *domain.Message
}
