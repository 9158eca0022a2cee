package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	PrefixCustomer = "customer:"
	PrefixAgent    = "you:"

	previewRunes = 60
	noMessages   = "[No messages yet]"

	stickerURLFormat = "https://stickershop.line-scdn.net/stickershop/v1/sticker/%s/ANDROID/sticker.png"
)

// ConversationSummary is the only shape pushed for list updates. Clients replace their
// row for CustomerKey wholesale.
type ConversationSummary struct {
	CustomerKey        string     `json:"customer_key"`
	CustomerID         int64      `json:"customer_id"`
	AccountID          int64      `json:"account_id"`
	ExternalUserID     string     `json:"external_user_id"`
	DisplayName        string     `json:"display_name"`
	AccountName        string     `json:"account_name"`
	LastMessagePreview string     `json:"last_message_preview"`
	LastMessagePrefix  string     `json:"last_message_prefix"`
	Status             Status     `json:"status"`
	UnreadCount        int        `json:"unread_count"`
	LastUnreadAt       *time.Time `json:"last_unread_at"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	PictureURL         string     `json:"picture_url"`
	Tags               []string   `json:"tags"`
	ReadBy             string     `json:"read_by"`
	IsBlocked          bool       `json:"is_blocked"`
}

func CustomerKey(accountID int64, externalUserID string) string {
	return strconv.FormatInt(accountID, 10) + ":" + externalUserID
}

// BuildSummary derives the summary from current state. latest is nil when the
// conversation has no messages yet.
func BuildSummary(acc Account, c Customer, tags []string, latest *Message) ConversationSummary {
	if tags == nil {
		tags = []string{}
	}
	s := ConversationSummary{
		CustomerKey:        CustomerKey(c.AccountID, c.ExternalUserID),
		CustomerID:         c.ID,
		AccountID:          c.AccountID,
		ExternalUserID:     c.ExternalUserID,
		DisplayName:        c.Name(),
		AccountName:        acc.Name,
		LastMessagePreview: noMessages,
		Status:             c.Status,
		UnreadCount:        c.UnreadCount,
		LastMessageAt:      c.LastMessageAt,
		PictureURL:         c.PictureURL,
		Tags:               tags,
		ReadBy:             c.ReadByEmail,
		IsBlocked:          c.IsBlocked,
	}
	if latest == nil {
		return s
	}
	s.LastMessagePreview = Preview(*latest)
	if latest.IsOutgoing {
		s.LastMessagePrefix = PrefixAgent
	} else {
		s.LastMessagePrefix = PrefixCustomer
		if c.Status == StatusUnread {
			at := latest.SentAt
			s.LastUnreadAt = &at
		}
	}
	return s
}

// Preview renders text bodies truncated, everything else as [Type].
func Preview(m Message) string {
	if m.Type != MessageText {
		return "[" + capitalize(string(m.Type)) + "]"
	}
	text := strings.Join(strings.Fields(m.Text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes]) + "..."
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// MessageView is the wire shape of one transcript row.
type MessageView struct {
	ID             string    `json:"id"`
	AccountID      int64     `json:"account_id"`
	ExternalUserID string    `json:"external_user_id"`
	CustomerKey    string    `json:"customer_key"`
	SenderType     string    `json:"sender_type"`
	MessageType    string    `json:"message_type"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	AgentEmail     string    `json:"agent_email,omitempty"`
	DeliveryOK     *bool     `json:"delivery_ok,omitempty"`
	DeliveryError  string    `json:"delivery_error,omitempty"`
	IsCloseEvent   bool      `json:"is_close_event,omitempty"`
}

func NewMessageView(m Message) MessageView {
	v := MessageView{
		ID:             m.ID,
		AccountID:      m.AccountID,
		ExternalUserID: m.ExternalUserID,
		CustomerKey:    CustomerKey(m.AccountID, m.ExternalUserID),
		SenderType:     "customer",
		MessageType:    string(m.Type),
		SentAt:         m.SentAt,
		AgentEmail:     m.AgentEmail,
		DeliveryOK:     m.DeliveryOK,
		DeliveryError:  m.DeliveryError,
	}
	if m.IsOutgoing {
		v.SenderType = "admin"
	}
	switch m.Type {
	case MessageImage:
		v.Content = m.MediaURL
	case MessageSticker:
		v.Content = StickerURL(m.StickerID)
	case MessageEvent:
		v.Content = m.Text
		v.IsCloseEvent = strings.Contains(m.Text, "'"+string(StatusClosed)+"'")
	default:
		v.Content = m.Text
	}
	return v
}

func StickerURL(stickerID string) string {
	return fmt.Sprintf(stickerURLFormat, stickerID)
}
