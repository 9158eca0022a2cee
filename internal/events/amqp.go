package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type AMQPOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDialDelay = 30 * time.Second

// DialWithRetry connects with exponential backoff and gives up early when ctx is cancelled.
func DialWithRetry(ctx context.Context, opts AMQPOptions) (*amqp091.Connection, error) {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("amqp dial failed", "attempt", i, "sleep", sleep, "err", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect amqp after %d attempts: %w", attempts, lastErr)
}

type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// NewAMQP declares a durable topic exchange and returns a publisher that waits for broker confirms.
func NewAMQP(ctx context.Context, opts AMQPOptions) (*AMQPPublisher, error) {
	conn, err := DialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, exchange: opts.Exchange, log: opts.Logger}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key Key, e Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msgID := e.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if e.Meta.CorrelationID != nil {
		cid = *e.Meta.CorrelationID
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, string(key), false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     msgID,
			CorrelationId: cid,
			Type:          e.Meta.Type,
			Timestamp:     e.Meta.Time,
			Body:          body,
		})
	if err != nil {
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("amqp publish %s nacked", msgID)
	}
	p.log.Debug("published", "key", string(key), "exchange", p.exchange)
	return nil
}

func (p *AMQPPublisher) Close() error { return p.conn.Close() }
