package sqsqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// InboundDelivery is a webhook body whose signature has already been verified.
type InboundDelivery struct {
	AccountID   int64     `json:"accountId"`
	WebhookPath string    `json:"webhookPath"`
	Body        string    `json:"body"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

type Producer struct {
	SQS      API
	QueueURL string
}

// EnqueueInbound keeps deliveries for one account in order (FIFO group per account).
// Identical bodies within the dedup window collapse into one message.
func (p *Producer) EnqueueInbound(ctx context.Context, d InboundDelivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(d.Body))
	groupID := "account:" + strconv.FormatInt(d.AccountID, 10)
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(groupID),
		MessageDeduplicationId: str(hex.EncodeToString(sum[:])),
	})
	return err
}

func str(s string) *string { return &s }
