// Package service holds the conversation use cases: inbound webhook processing, outbound sends,
// agent actions and the list layer. Every mutation commits before anything is broadcast.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatconsole/internal/domain"
	"chatconsole/internal/events"
	"chatconsole/internal/media"
	"chatconsole/internal/observability"
	"chatconsole/internal/providers/line"
	sqsqueue "chatconsole/internal/queue/sqs"
	"chatconsole/internal/store"
	"chatconsole/internal/util"
)

type Provider interface {
	Push(ctx context.Context, token string, req line.PushRequest) (int, []byte, error)
	Profile(ctx context.Context, token, userID string) (line.Profile, error)
	Content(ctx context.Context, token, messageID string) (line.Content, error)
}

type Broadcaster interface {
	ConversationUpdated(groupIDs []int64, s domain.ConversationSummary)
	NewMessage(groupIDs []int64, m domain.MessageView)
}

// FilterStore holds each agent's persisted group filter. nil means every group.
type FilterStore interface {
	Get(ctx context.Context, agentID int64) ([]int64, error)
	Set(ctx context.Context, agentID int64, groupIDs []int64) error
}

// RoomUpdater moves an agent's connected realtime sessions onto a new group filter.
type RoomUpdater interface {
	ReplaceAgent(agentID int64, groupIDs []int64) int
}

// InboundQueue, when configured, takes verified deliveries for asynchronous processing.
type InboundQueue interface {
	EnqueueInbound(ctx context.Context, d sqsqueue.InboundDelivery) error
}

type ChatService struct {
	Store     store.Store
	Provider  Provider
	Media     media.Uploader
	Broadcast Broadcaster
	Events    events.Publisher
	Filters   FilterStore
	Rooms     RoomUpdater
	Queue     InboundQueue
	Limiter   *rate.Limiter
	Breaker   *gobreaker.CircuitBreaker
	Log       *slog.Logger

	Now         func() time.Time
	NewID       func() string
	NewRetryKey func() string
	Backoff     func(attempt int) time.Duration

	ProviderTimeout time.Duration
	FetchTimeout    time.Duration
	UploadTimeout   time.Duration
	SendAttempts    int
	PageSize        int
	TranscriptSize  int
	// ExportLocation renders timestamps in downloaded transcripts. nil means UTC.
	ExportLocation *time.Location
}

const (
	defaultPageSize       = 50
	defaultTranscriptSize = 10
	searchLimit           = 20
)

func (s *ChatService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *ChatService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return util.NewMessageID()
}

func (s *ChatService) newRetryKey() string {
	if s.NewRetryKey != nil {
		return s.NewRetryKey()
	}
	return uuid.NewString()
}

func (s *ChatService) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return defaultPageSize
}

func (s *ChatService) transcriptSize() int {
	if s.TranscriptSize > 0 {
		return s.TranscriptSize
	}
	return defaultTranscriptSize
}

func timeoutOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// update is one committed change waiting to be fanned out.
type update struct {
	groupIDs []int64
	summary  *domain.ConversationSummary
	messages []domain.Message
}

// publish runs after commit. Broadcast and integration events are best-effort: the change is
// already durable, so failures are logged and never returned.
func (s *ChatService) publish(ctx context.Context, updates ...update) {
	at := s.now()
	for _, u := range updates {
		if u.summary != nil {
			if s.Broadcast != nil {
				s.Broadcast.ConversationUpdated(u.groupIDs, *u.summary)
			}
			s.emit(ctx, events.ConversationUpdated(*u.summary, at))
		}
		for _, m := range u.messages {
			if s.Broadcast != nil {
				s.Broadcast.NewMessage(u.groupIDs, domain.NewMessageView(m))
			}
			s.emit(ctx, events.MessageObserved(m, at))
		}
	}
}

func (s *ChatService) emit(ctx context.Context, e events.Envelope) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, events.KeyFor(e), e); err != nil {
		observability.EventPublish.WithLabelValues(e.Meta.Type, "error").Inc()
		s.Log.WarnContext(ctx, "integration event publish failed", "err", err, "type", e.Meta.Type, "id", e.Meta.ID)
		return
	}
	observability.EventPublish.WithLabelValues(e.Meta.Type, "ok").Inc()
}
