package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const SignatureHeader = "X-Line-Signature"

// VerifySignature checks base64(HMAC-SHA256(channelSecret, body)) against the header value.
func VerifySignature(channelSecret string, body []byte, provided string) bool {
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// Sign is the inverse of VerifySignature. The mock provider and tests use it.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type Payload struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

type Event struct {
	Type           string        `json:"type"`
	Timestamp      int64         `json:"timestamp"`
	Source         Source        `json:"source"`
	ReplyToken     string        `json:"replyToken,omitempty"`
	WebhookEventID string        `json:"webhookEventId,omitempty"`
	Message        *EventMessage `json:"message,omitempty"`
}

type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId,omitempty"`
}

type EventMessage struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	PackageID string `json:"packageId,omitempty"`
	StickerID string `json:"stickerId,omitempty"`
}

const (
	EventMessageType  = "message"
	EventFollowType   = "follow"
	EventUnfollowType = "unfollow"
)

// Time converts the millisecond event timestamp. A zero timestamp yields the zero time.
func (e Event) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp).UTC()
}

// Parse decodes a webhook body. An empty events array is valid.
func Parse(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("parse webhook: %w", err)
	}
	return p, nil
}
