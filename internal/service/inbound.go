package service

import (
	"context"
	"fmt"
	"time"

	"chatconsole/internal/domain"
	"chatconsole/internal/observability"
	"chatconsole/internal/providers/line"
	sqsqueue "chatconsole/internal/queue/sqs"
	"chatconsole/internal/store"
)

// HandleInbound is the webhook entry point. The account is resolved before the signature is
// checked, so an unknown path never reaches verification. With a queue configured the verified
// body is enqueued and processed later by ProcessQueued.
func (s *ChatService) HandleInbound(ctx context.Context, webhookPath string, body []byte, signature string) error {
	acc, err := s.verify(ctx, webhookPath, body, signature)
	if err != nil {
		return err
	}
	payload, err := line.Parse(body)
	if err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}

	if s.Queue != nil {
		err := s.Queue.EnqueueInbound(ctx, sqsqueue.InboundDelivery{
			AccountID:   acc.ID,
			WebhookPath: webhookPath,
			Body:        string(body),
			ReceivedAt:  s.now(),
		})
		if err != nil {
			observability.InboundEnqueues.WithLabelValues("error").Inc()
			return fmt.Errorf("enqueue inbound: %w", err)
		}
		observability.InboundEnqueues.WithLabelValues("ok").Inc()
		return nil
	}
	return s.process(ctx, acc, payload)
}

// ProcessQueued applies a delivery taken from the inbound queue. Its signature was checked on receipt.
func (s *ChatService) ProcessQueued(ctx context.Context, d sqsqueue.InboundDelivery) error {
	acc, found, err := s.Store.Accounts().ByID(ctx, d.AccountID)
	if err != nil {
		return err
	}
	if !found {
		return domain.NotFound("account", fmt.Sprint(d.AccountID))
	}
	payload, err := line.Parse([]byte(d.Body))
	if err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return s.process(ctx, acc, payload)
}

func (s *ChatService) verify(ctx context.Context, webhookPath string, body []byte, signature string) (domain.Account, error) {
	acc, found, err := s.Store.Accounts().ByWebhookPath(ctx, webhookPath)
	if err != nil {
		return domain.Account{}, err
	}
	if !found {
		return domain.Account{}, domain.NotFound("account", webhookPath)
	}
	if !line.VerifySignature(acc.ChannelSecret, body, signature) {
		return domain.Account{}, &domain.SignatureError{}
	}
	return acc, nil
}

// prefetched holds provider data gathered before the transaction opens, so no network call
// runs while customer rows are locked.
type prefetched struct {
	profiles map[string]line.Profile
	media    map[string]string
}

func (s *ChatService) prefetch(ctx context.Context, acc domain.Account, evs []line.Event) (prefetched, error) {
	p := prefetched{profiles: map[string]line.Profile{}, media: map[string]string{}}
	known := map[string]bool{}

	for _, ev := range evs {
		uid := ev.Source.UserID
		if uid == "" {
			continue
		}
		needProfile := false
		switch ev.Type {
		case line.EventFollowType:
			needProfile = true
		case line.EventMessageType:
			if _, seen := known[uid]; !seen {
				_, found, err := s.Store.Customers().Get(ctx, acc.ID, uid)
				if err != nil {
					return p, err
				}
				known[uid] = found
			}
			needProfile = !known[uid]
		}
		if _, done := p.profiles[uid]; needProfile && !done {
			p.profiles[uid] = s.fetchProfile(ctx, acc, uid)
		}

		if ev.Type == line.EventMessageType && ev.Message != nil && ev.Message.Type == string(domain.MessageImage) {
			// a redelivered image is already stored; the insert below will drop it anyway
			seen, err := s.Store.Messages().HasProviderMessage(ctx, acc.ID, ev.Message.ID)
			if err != nil {
				return p, err
			}
			if seen {
				continue
			}
			url, err := s.storeImage(ctx, acc, ev.Message.ID)
			if err != nil {
				observability.MediaUploads.WithLabelValues("error").Inc()
				return p, err
			}
			observability.MediaUploads.WithLabelValues("ok").Inc()
			p.media[ev.Message.ID] = url
		}
	}
	return p, nil
}

// fetchProfile is best-effort: a failure yields an empty profile and the customer is created without one.
func (s *ChatService) fetchProfile(ctx context.Context, acc domain.Account, uid string) line.Profile {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(s.FetchTimeout, 5*time.Second))
	defer cancel()
	prof, err := s.Provider.Profile(ctx, acc.AccessToken, uid)
	if err != nil {
		s.Log.WarnContext(ctx, "profile fetch failed", "err", err, "account_id", acc.ID, "user_id", uid)
		return line.Profile{}
	}
	return prof
}

func (s *ChatService) storeImage(ctx context.Context, acc domain.Account, messageID string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeoutOr(s.FetchTimeout, 5*time.Second))
	content, err := s.Provider.Content(fetchCtx, acc.AccessToken, messageID)
	cancel()
	if err != nil {
		return "", &domain.StorageError{Op: "fetch image " + messageID, Err: err}
	}

	upCtx, cancel := context.WithTimeout(ctx, timeoutOr(s.UploadTimeout, 15*time.Second))
	defer cancel()
	url, err := s.Media.Upload(upCtx, content.Data, content.ContentType)
	if err != nil {
		return "", &domain.StorageError{Op: "upload image " + messageID, Err: err}
	}
	return url, nil
}

// dirtySet keeps first-touch order so snapshots go out in event order.
type dirtySet struct {
	order []string
	seen  map[string]struct{}
}

func (d *dirtySet) add(uid string) {
	if d.seen == nil {
		d.seen = map[string]struct{}{}
	}
	if _, ok := d.seen[uid]; ok {
		return
	}
	d.seen[uid] = struct{}{}
	d.order = append(d.order, uid)
}

func (s *ChatService) process(ctx context.Context, acc domain.Account, payload line.Payload) error {
	pre, err := s.prefetch(ctx, acc, payload.Events)
	if err != nil {
		return err
	}

	var updates []update
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		var dirty dirtySet
		inserted := map[string][]domain.Message{}

		for _, ev := range payload.Events {
			uid := ev.Source.UserID
			if uid == "" {
				s.Log.InfoContext(ctx, "skipping event without user source", "type", ev.Type, "account_id", acc.ID)
				observability.InboundEvents.WithLabelValues(ev.Type, "skipped").Inc()
				continue
			}
			changed, m, err := s.applyEvent(ctx, tx, acc, ev, pre)
			if err != nil {
				return err
			}
			if changed {
				dirty.add(uid)
			}
			if m != nil {
				inserted[uid] = append(inserted[uid], *m)
			}
		}

		for _, uid := range dirty.order {
			u, err := s.snapshot(ctx, tx, acc.ID, uid, inserted[uid]...)
			if err != nil {
				return err
			}
			updates = append(updates, u)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, updates...)
	return nil
}

// applyEvent reports whether the conversation changed and returns the message row when one was inserted.
func (s *ChatService) applyEvent(ctx context.Context, tx store.Tx, acc domain.Account, ev line.Event, pre prefetched) (bool, *domain.Message, error) {
	uid := ev.Source.UserID
	at := ev.Time()
	if at.IsZero() {
		at = s.now()
	}

	switch ev.Type {
	case line.EventUnfollowType:
		c, found, err := tx.Customers().GetForUpdate(ctx, acc.ID, uid)
		if err != nil || !found {
			observability.InboundEvents.WithLabelValues(ev.Type, "noop").Inc()
			return false, nil, err
		}
		c.IsBlocked = true
		if err := tx.Customers().Update(ctx, c); err != nil {
			return false, nil, err
		}
		observability.InboundEvents.WithLabelValues(ev.Type, "ok").Inc()
		return true, nil, nil

	case line.EventFollowType:
		prof := pre.profiles[uid]
		c, _, err := tx.Customers().Ensure(ctx, store.CustomerInsert{
			AccountID: acc.ID, ExternalUserID: uid, DisplayName: prof.DisplayName, PictureURL: prof.PictureURL, Now: at,
		})
		if err != nil {
			return false, nil, err
		}
		c.IsBlocked = false
		if prof.DisplayName != "" {
			c.DisplayName = prof.DisplayName
		}
		if prof.PictureURL != "" {
			c.PictureURL = prof.PictureURL
		}
		if err := tx.Customers().Update(ctx, c); err != nil {
			return false, nil, err
		}
		observability.InboundEvents.WithLabelValues(ev.Type, "ok").Inc()
		return true, nil, nil

	case line.EventMessageType:
		return s.applyMessage(ctx, tx, acc, ev, at, pre)

	default:
		s.Log.InfoContext(ctx, "skipping unsupported event", "type", ev.Type, "account_id", acc.ID)
		observability.InboundEvents.WithLabelValues("other", "skipped").Inc()
		return false, nil, nil
	}
}

func (s *ChatService) applyMessage(ctx context.Context, tx store.Tx, acc domain.Account, ev line.Event, at time.Time, pre prefetched) (bool, *domain.Message, error) {
	uid := ev.Source.UserID
	if ev.Message == nil {
		return false, nil, nil
	}
	m := domain.Message{
		ID:                s.newID(),
		AccountID:         acc.ID,
		ExternalUserID:    uid,
		ProviderMessageID: ev.Message.ID,
		SentAt:            at,
	}
	switch domain.MessageType(ev.Message.Type) {
	case domain.MessageText:
		m.Type, m.Text = domain.MessageText, ev.Message.Text
	case domain.MessageImage:
		m.Type, m.MediaURL = domain.MessageImage, pre.media[ev.Message.ID]
	case domain.MessageSticker:
		m.Type, m.PackageID, m.StickerID = domain.MessageSticker, ev.Message.PackageID, ev.Message.StickerID
	default:
		s.Log.InfoContext(ctx, "skipping unsupported message kind", "kind", ev.Message.Type, "account_id", acc.ID, "user_id", uid)
		observability.InboundEvents.WithLabelValues("message_"+ev.Message.Type, "skipped").Inc()
		return false, nil, nil
	}

	prof := pre.profiles[uid]
	c, created, err := tx.Customers().Ensure(ctx, store.CustomerInsert{
		AccountID: acc.ID, ExternalUserID: uid, DisplayName: prof.DisplayName, PictureURL: prof.PictureURL, Now: at,
	})
	if err != nil {
		return false, nil, err
	}

	// stamped under the customer lock so it orders against concurrent reads
	m.ReceivedAt = s.now()
	ok, err := tx.Messages().Insert(ctx, m)
	if err != nil {
		return false, nil, fmt.Errorf("insert message: %w", err)
	}
	if !ok {
		// provider redelivery: the message and its effects are already recorded
		observability.InboundEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		return created, nil, nil
	}

	c.ApplyInbound(at)
	if err := tx.Customers().Update(ctx, c); err != nil {
		return false, nil, err
	}
	observability.InboundEvents.WithLabelValues(ev.Type, "ok").Inc()
	return true, &m, nil
}
