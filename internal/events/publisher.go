package events

import (
	"context"
	"errors"
	"log/slog"
)

type Publisher interface {
	Publish(ctx context.Context, key Key, e Envelope) error
	Close() error
}

// Nop discards every event. It is used when EVENTS_BACKEND=none.
type Nop struct{}

func (Nop) Publish(context.Context, Key, Envelope) error { return nil }
func (Nop) Close() error                                 { return nil }

// LogPublisher writes envelopes to the structured log.
type LogPublisher struct {
	Log *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, key Key, e Envelope) error {
	p.Log.InfoContext(ctx, "integration event", "key", string(key), "id", e.Meta.ID, "type", e.Meta.Type)
	return nil
}

func (LogPublisher) Close() error { return nil }

// Fallback publishes to Primary and, when that fails, to Secondary.
type Fallback struct {
	Primary   Publisher
	Secondary Publisher
	Log       *slog.Logger
}

func NewFallback(primary, secondary Publisher, log *slog.Logger) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary, Log: log}
}

func (f *Fallback) Publish(ctx context.Context, key Key, e Envelope) error {
	err := f.Primary.Publish(ctx, key, e)
	if err == nil {
		return nil
	}
	if f.Log != nil {
		f.Log.WarnContext(ctx, "primary event publish failed", "err", err, "key", string(key), "id", e.Meta.ID)
	}
	if f.Secondary == nil {
		return err
	}
	if err2 := f.Secondary.Publish(ctx, key, e); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}

func (f *Fallback) Close() error {
	var errs []error
	if err := f.Primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if f.Secondary != nil {
		if err := f.Secondary.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
