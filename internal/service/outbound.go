package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"chatconsole/internal/domain"
	"chatconsole/internal/observability"
	"chatconsole/internal/providers/line"
	"chatconsole/internal/store"
)

const (
	defaultSendAttempts = 3
	persistTimeout      = 10 * time.Second
)

// SendMessage pushes an agent message and records it whatever the provider outcome. Delivery
// failures come back in the result, never as an error.
func (s *ChatService) SendMessage(ctx context.Context, agent domain.Agent, req domain.SendMessageRequest) (domain.SendResult, error) {
	if err := req.Validate(); err != nil {
		return domain.SendResult{}, err
	}
	acc, c, err := s.recipient(ctx, req.AccountID, req.CustomerID)
	if err != nil {
		return domain.SendResult{}, err
	}

	m := s.outgoing(agent, acc, c)
	var out line.Message
	if req.IsSticker() {
		m.Type, m.PackageID, m.StickerID = domain.MessageSticker, req.PackageID, req.StickerID
		out = line.StickerMessage(req.PackageID, req.StickerID)
	} else {
		m.Type, m.Text = domain.MessageText, req.Text
		out = line.TextMessage(req.Text)
	}
	return s.deliver(ctx, acc, c, m, out)
}

// SendImage uploads the agent's image to object storage and pushes it by URL. An upload failure
// is a StorageError and nothing is recorded; a push failure is recorded like any other send.
func (s *ChatService) SendImage(ctx context.Context, agent domain.Agent, req domain.SendImageRequest) (domain.SendResult, error) {
	if err := req.Validate(); err != nil {
		return domain.SendResult{}, err
	}
	acc, c, err := s.recipient(ctx, req.AccountID, req.CustomerID)
	if err != nil {
		return domain.SendResult{}, err
	}

	upCtx, cancel := context.WithTimeout(ctx, timeoutOr(s.UploadTimeout, 15*time.Second))
	url, err := s.Media.Upload(upCtx, req.Data, req.ContentType)
	cancel()
	if err != nil {
		observability.MediaUploads.WithLabelValues("error").Inc()
		return domain.SendResult{}, &domain.StorageError{Op: "upload outgoing image", Err: err}
	}
	observability.MediaUploads.WithLabelValues("ok").Inc()

	m := s.outgoing(agent, acc, c)
	m.Type, m.MediaURL = domain.MessageImage, url
	return s.deliver(ctx, acc, c, m, line.ImageMessage(url))
}

func (s *ChatService) recipient(ctx context.Context, accountID int64, externalUserID string) (domain.Account, domain.Customer, error) {
	acc, found, err := s.Store.Accounts().ByID(ctx, accountID)
	if err != nil {
		return domain.Account{}, domain.Customer{}, err
	}
	if !found {
		return domain.Account{}, domain.Customer{}, domain.NotFound("account", strconv.FormatInt(accountID, 10))
	}
	c, found, err := s.Store.Customers().Get(ctx, acc.ID, externalUserID)
	if err != nil {
		return domain.Account{}, domain.Customer{}, err
	}
	if !found {
		return domain.Account{}, domain.Customer{}, domain.NotFound("customer", externalUserID)
	}
	return acc, c, nil
}

func (s *ChatService) outgoing(agent domain.Agent, acc domain.Account, c domain.Customer) domain.Message {
	return domain.Message{
		ID:             s.newID(),
		AccountID:      acc.ID,
		ExternalUserID: c.ExternalUserID,
		IsOutgoing:     true,
		AgentID:        &agent.ID,
		AgentEmail:     agent.Email,
	}
}

// deliver pushes unless the customer has blocked the account, then records the message. The
// record is written on a context detached from the caller: once the push has been attempted the
// agent's text must land in the transcript even if the request went away meanwhile.
func (s *ChatService) deliver(ctx context.Context, acc domain.Account, c domain.Customer, m domain.Message, out line.Message) (domain.SendResult, error) {
	delivered := false
	if c.IsBlocked {
		m.DeliveryError = domain.ErrBlocked.Error()
		observability.ProviderSend.WithLabelValues("blocked", "0").Inc()
	} else if err := s.push(ctx, acc.AccessToken, c.ExternalUserID, out); err != nil {
		m.DeliveryError = err.Error()
		s.Log.WarnContext(ctx, "provider push failed", "err", err, "account_id", acc.ID, "user_id", c.ExternalUserID)
	} else {
		delivered = true
	}
	m.DeliveryOK = &delivered
	m.SentAt = s.now()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var u update
	err := s.Store.WithTx(persistCtx, func(tx store.Tx) error {
		locked, found, err := tx.Customers().GetForUpdate(persistCtx, acc.ID, c.ExternalUserID)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFound("customer", c.ExternalUserID)
		}
		if _, err := tx.Messages().Insert(persistCtx, m); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if locked.LastMessageAt == nil || m.SentAt.After(*locked.LastMessageAt) {
			locked.LastMessageAt = &m.SentAt
		}
		if err := tx.Customers().Update(persistCtx, locked); err != nil {
			return err
		}
		u, err = s.snapshot(persistCtx, tx, acc.ID, c.ExternalUserID, m)
		return err
	})
	if err != nil {
		return domain.SendResult{}, err
	}
	s.publish(persistCtx, u)

	res := domain.SendResult{Message: domain.NewMessageView(m), DeliveryOK: delivered}
	if !delivered {
		res.DeliveryError = &m.DeliveryError
	}
	return res, nil
}

// push sends through the limiter and breaker, retrying transient failures under one retry key
// so the provider delivers at most once.
func (s *ChatService) push(ctx context.Context, token, to string, msg line.Message) error {
	req := line.PushRequest{To: to, Messages: []line.Message{msg}, RetryKey: s.newRetryKey()}
	attempts := s.SendAttempts
	if attempts <= 0 {
		attempts = defaultSendAttempts
	}
	backoff := s.Backoff
	if backoff == nil {
		backoff = line.Backoff
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt-1)); err != nil {
				return &domain.UpstreamDeliveryError{Op: "push", Err: err}
			}
		}

		if s.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := s.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.ProviderSend.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = &domain.UpstreamDeliveryError{Op: "push", Err: fmt.Errorf("rate limited: %w", err)}
				continue
			}
		}

		start := time.Now()
		status, err := s.executeWithBreaker(ctx, token, req)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ProviderSend.WithLabelValues("cb_open", "0").Inc()
			return &domain.UpstreamDeliveryError{Op: "push", Err: err}
		}
		if err == nil {
			observability.ProviderSend.WithLabelValues("ok", strconv.Itoa(status)).Inc()
			observability.ProviderLatency.Observe(time.Since(start).Seconds())
			return nil
		}

		observability.ProviderSend.WithLabelValues("error", strconv.Itoa(status)).Inc()
		lastErr = &domain.UpstreamDeliveryError{Op: "push", HTTPStatus: status, Err: errors.Unwrap(err)}
		if !line.ShouldRetry(err, status) {
			return lastErr
		}
	}
	return lastErr
}

func (s *ChatService) executeWithBreaker(ctx context.Context, token string, req line.PushRequest) (int, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeoutOr(s.ProviderTimeout, 6*time.Second))
		defer cancel()
		status, _, err := s.Provider.Push(reqCtx, token, req)
		if err != nil {
			return status, pushError{err: err, httpStatus: status}
		}
		return status, nil
	}

	var res any
	var err error
	if s.Breaker == nil {
		res, err = call()
	} else {
		res, err = s.Breaker.Execute(call)
	}
	var pe pushError
	if errors.As(err, &pe) {
		return pe.httpStatus, err
	}
	status, _ := res.(int)
	return status, err
}

type pushError struct {
	err        error
	httpStatus int
}

func (e pushError) Error() string { return e.err.Error() }
func (e pushError) Unwrap() error { return e.err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
