// Package events publishes integration events for downstream consumers (analytics, CRM sync).
// Delivery is best-effort and happens after the owning transaction commits.
package events

import (
	"time"

	"github.com/google/uuid"

	"chatconsole/internal/domain"
)

const (
	TypeMessageObserved     = "chat.message.observed.v1"
	TypeConversationUpdated = "chat.conversation.updated.v1"

	producerName = "chatconsole"
)

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer,omitempty"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Key is the routing key (AMQP) or topic key (Kafka) for an envelope.
type Key string

type MessageObservedV1 struct {
	AccountID      int64     `json:"account_id"`
	ExternalUserID string    `json:"external_user_id"`
	MessageID      string    `json:"message_id"`
	Direction      string    `json:"direction"` // inbound | outbound
	Kind           string    `json:"kind"`
	TextPreview    string    `json:"text_preview,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	AgentEmail     string    `json:"agent_email,omitempty"`
	DeliveryOK     *bool     `json:"delivery_ok,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

type ConversationUpdatedV1 struct {
	CustomerKey string                     `json:"customer_key"`
	Summary     domain.ConversationSummary `json:"summary"`
}

func newMeta(typ string, at time.Time) Meta {
	return Meta{ID: uuid.NewString(), Type: typ, Time: at.UTC(), Producer: producerName}
}

func MessageObserved(m domain.Message, at time.Time) Envelope {
	dir := "inbound"
	if m.IsOutgoing {
		dir = "outbound"
	}
	data := MessageObservedV1{
		AccountID:      m.AccountID,
		ExternalUserID: m.ExternalUserID,
		MessageID:      m.ID,
		Direction:      dir,
		Kind:           string(m.Type),
		MediaURL:       m.MediaURL,
		AgentEmail:     m.AgentEmail,
		DeliveryOK:     m.DeliveryOK,
		SentAt:         m.SentAt,
	}
	if m.Type == domain.MessageText || m.Type == domain.MessageEvent {
		data.TextPreview = domain.Preview(m)
	}
	return Envelope{Meta: newMeta(TypeMessageObserved, at), Data: data}
}

func ConversationUpdated(s domain.ConversationSummary, at time.Time) Envelope {
	return Envelope{
		Meta: newMeta(TypeConversationUpdated, at),
		Data: ConversationUpdatedV1{CustomerKey: s.CustomerKey, Summary: s},
	}
}

// KeyFor routes by event type so consumers can bind per type.
func KeyFor(e Envelope) Key { return Key(e.Meta.Type) }
