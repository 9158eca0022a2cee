package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusDeposit  Status = "deposit"
	StatusWithdraw Status = "withdraw"
	StatusIssue    Status = "issue"
	StatusClosed   Status = "closed"
)

var allStatuses = []Status{StatusUnread, StatusRead, StatusDeposit, StatusWithdraw, StatusIssue, StatusClosed}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Claimed reports an agent-assigned work category. New inbound messages never un-claim these.
func (s Status) Claimed() bool {
	return s == StatusDeposit || s == StatusWithdraw || s == StatusIssue
}

// AgentAssignable is the set an agent may set explicitly. unread is system-driven only.
func (s Status) AgentAssignable() bool {
	return s.Valid() && s != StatusUnread
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: "must be one of unread, read, deposit, withdraw, issue, closed"}
	}
	return s, nil
}

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageSticker MessageType = "sticker"
	MessageEvent   MessageType = "event"
)

type Account struct {
	ID            int64
	Name          string
	ChannelID     string
	ChannelSecret string
	AccessToken   string
	WebhookPath   string
}

type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Agent struct {
	ID          int64
	Email       string
	DisplayName string
}

type Customer struct {
	ID             int64
	AccountID      int64
	ExternalUserID string
	DisplayName    string
	PictureURL     string
	Nickname       string
	Phone          string
	Note           string
	Status         Status
	UnreadCount    int
	LastReadAt     *time.Time
	LastMessageAt  *time.Time
	IsBlocked      bool
	ReadByAgentID  *int64
	ReadByEmail    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Name is what agents see in lists: nickname, then profile name, then a shortened external id.
func (c Customer) Name() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	if c.DisplayName != "" {
		return c.DisplayName
	}
	id := c.ExternalUserID
	if utf8.RuneCountInString(id) > 12 {
		id = string([]rune(id)[:12])
	}
	return "User: " + id + "..."
}

// Message rows are append-only. DeliveryOK is nil for inbound and event rows.
type Message struct {
	ID                string
	AccountID         int64
	ExternalUserID    string
	IsOutgoing        bool
	Type              MessageType
	Text              string
	MediaURL          string
	StickerID         string
	PackageID         string
	ProviderMessageID string
	AgentID           *int64
	AgentEmail        string
	DeliveryOK        *bool
	DeliveryError     string
	SentAt            time.Time
	// ReceivedAt is the server clock when an inbound message was recorded. Unread counts compare it
	// with LastReadAt, which comes from the same clock; SentAt is the provider's timestamp.
	ReceivedAt        time.Time
}

type SendMessageRequest struct {
	CustomerID string `json:"customer_id"`
	AccountID  int64  `json:"account_id"`
	Text       string `json:"text"`
	PackageID  string `json:"package_id,omitempty"`
	StickerID  string `json:"sticker_id,omitempty"`
}

func (r SendMessageRequest) Validate() error {
	if strings.TrimSpace(r.CustomerID) == "" || r.AccountID <= 0 {
		return &ValidationError{Field: "customer_id/account_id", Reason: ErrMissingFields.Error()}
	}
	if r.IsSticker() {
		return nil
	}
	if strings.TrimSpace(r.Text) == "" {
		return &ValidationError{Field: "text", Reason: ErrMissingFields.Error()}
	}
	if utf8.RuneCountInString(r.Text) > MaxTextRunes {
		return &ValidationError{Field: "text", Reason: "too long"}
	}
	return nil
}

func (r SendMessageRequest) IsSticker() bool {
	return r.PackageID != "" && r.StickerID != ""
}

// MaxTextRunes mirrors the provider's per-message text limit.
const MaxTextRunes = 5000

// MaxImageBytes is the provider's limit for an image message.
const MaxImageBytes = 10 << 20

type SendImageRequest struct {
	CustomerID  string
	AccountID   int64
	Data        []byte
	ContentType string
}

func (r SendImageRequest) Validate() error {
	if strings.TrimSpace(r.CustomerID) == "" || r.AccountID <= 0 || len(r.Data) == 0 {
		return &ValidationError{Field: "customer_id/account_id/image", Reason: ErrMissingFields.Error()}
	}
	if len(r.Data) > MaxImageBytes {
		return &ValidationError{Field: "image", Reason: "too large"}
	}
	switch r.ContentType {
	case "image/jpeg", "image/png":
		return nil
	default:
		return &ValidationError{Field: "image", Reason: fmt.Sprintf("unsupported content type %q", r.ContentType)}
	}
}

type SendResult struct {
	Message       MessageView `json:"message"`
	DeliveryOK    bool        `json:"delivery_ok"`
	DeliveryError *string     `json:"delivery_error"`
}

type CustomerInfoUpdate struct {
	Nickname string `json:"nickname"`
	Phone    string `json:"phone"`
	Note     string `json:"note"`
}

type StatusChangeRequest struct {
	Status string `json:"status"`
}
