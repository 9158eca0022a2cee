package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Consumer struct {
	SQS      API
	QueueURL string
	Log      *slog.Logger

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type Handler func(ctx context.Context, d InboundDelivery) error

// PollConcurrent processes deliveries with a worker pool until ctx is cancelled.
// A delivery is deleted only after the handler succeeds; failures stay on the queue for redrive.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	err := c.receive(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) receive(ctx context.Context, jobs chan<- types.Message) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Error("sqs receive message failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	var d InboundDelivery
	if m.Body == nil || json.Unmarshal([]byte(*m.Body), &d) != nil {
		// poison message: delete so it does not loop forever
		c.Log.Warn("dropping undecodable inbound delivery", "message_id", deref(m.MessageId))
		c.delete(ctx, m)
		return
	}
	if err := handler(ctx, d); err != nil {
		c.Log.Error("inbound delivery failed, leaving for redrive", "err", err, "account_id", d.AccountID)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		c.Log.Warn("sqs delete failed", "err", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
