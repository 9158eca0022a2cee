package service

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"chatconsole/internal/domain"
	"chatconsole/internal/providers/line"
)

func sendText(ext, text string) domain.SendMessageRequest {
	return domain.SendMessageRequest{CustomerID: ext, AccountID: 1, Text: text}
}

func TestSendMessageDelivers(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)

	res, err := f.svc.SendMessage(context.Background(), f.agent, sendText("U1", "how can I help?"))
	require.NoError(t, err)
	require.True(t, res.DeliveryOK)
	require.Nil(t, res.DeliveryError)
	require.Equal(t, "admin", res.Message.SenderType)
	require.Equal(t, f.agent.Email, res.Message.AgentEmail)

	require.Equal(t, 1, f.provider.pushCount())
	push := f.provider.pushes[0]
	require.Equal(t, "U1", push.To)
	require.Equal(t, "how can I help?", push.Messages[0].Text)
	require.NotEmpty(t, push.RetryKey)

	msgs := f.messages("U1")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsOutgoing)
	require.True(t, *msgs[0].DeliveryOK)

	c, _ := f.customer("U1")
	require.Equal(t, domain.StatusRead, c.Status, "outbound sends never change status")
	require.Equal(t, msgs[0].SentAt, *c.LastMessageAt)

	require.Equal(t, []string{"update", "message"}, f.bcast.kinds())
	require.Equal(t, domain.PrefixAgent, f.bcast.records[0].summary.LastMessagePrefix)
}

func TestSendSticker(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)

	res, err := f.svc.SendMessage(context.Background(), f.agent, domain.SendMessageRequest{
		CustomerID: "U1", AccountID: 1, PackageID: "446", StickerID: "1988",
	})
	require.NoError(t, err)
	require.Equal(t, "sticker", f.provider.pushes[0].Messages[0].Type)
	require.Equal(t, domain.StickerURL("1988"), res.Message.Content)
	require.Equal(t, "[Sticker]", f.bcast.records[0].summary.LastMessagePreview)
}

func TestSendToBlockedCustomerSkipsProvider(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", func(c *domain.Customer) { c.IsBlocked = true })

	res, err := f.svc.SendMessage(context.Background(), f.agent, sendText("U1", "hello?"))
	require.NoError(t, err)
	require.False(t, res.DeliveryOK)
	require.Equal(t, "blocked", *res.DeliveryError)
	require.Zero(t, f.provider.pushCount())

	msgs := f.messages("U1")
	require.Len(t, msgs, 1)
	require.False(t, *msgs[0].DeliveryOK)
	require.Equal(t, "blocked", msgs[0].DeliveryError)
}

func TestSendRetriesTransientFailuresUnderOneKey(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)
	f.provider.responses = []pushResponse{{status: 500, err: &line.CallError{Status: 500, Msg: "boom"}}}

	res, err := f.svc.SendMessage(context.Background(), f.agent, sendText("U1", "hi"))
	require.NoError(t, err, "provider failures are reported in the result")
	require.False(t, res.DeliveryOK)
	require.Contains(t, *res.DeliveryError, "500")

	require.Equal(t, defaultSendAttempts, f.provider.pushCount())
	key := f.provider.pushes[0].RetryKey
	for _, p := range f.provider.pushes {
		require.Equal(t, key, p.RetryKey)
	}
	require.False(t, *f.messages("U1")[0].DeliveryOK)
}

func TestSendRecoversAfterTransientFailure(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)
	f.provider.responses = []pushResponse{
		{status: 503, err: &line.CallError{Status: 503}},
		{status: 200},
	}

	res, err := f.svc.SendMessage(context.Background(), f.agent, sendText("U1", "hi"))
	require.NoError(t, err)
	require.True(t, res.DeliveryOK)
	require.Equal(t, 2, f.provider.pushCount())
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)
	f.provider.responses = []pushResponse{{status: 400, err: &line.CallError{Status: 400, Msg: "invalid"}}}

	res, err := f.svc.SendMessage(context.Background(), f.agent, sendText("U1", "hi"))
	require.NoError(t, err)
	require.False(t, res.DeliveryOK)
	require.Equal(t, 1, f.provider.pushCount())
}

func TestSendStopsWhenBreakerOpens(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)
	f.provider.responses = []pushResponse{{status: 502, err: &line.CallError{Status: 502}}}
	f.svc.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "line-push",
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	res, err := f.svc.SendMessage(context.Background(), f.agent, sendText("U1", "hi"))
	require.NoError(t, err)
	require.False(t, res.DeliveryOK)
	require.Equal(t, 1, f.provider.pushCount())
	require.Contains(t, *res.DeliveryError, gobreaker.ErrOpenState.Error())
}

func TestSendRejectsBadRequests(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, f.agent, sendText("U1", "   "))
	require.True(t, domain.IsValidation(err))

	_, err = f.svc.SendMessage(ctx, f.agent, sendText("U404", "hi"))
	require.True(t, domain.IsNotFound(err))

	_, err = f.svc.SendMessage(ctx, f.agent, domain.SendMessageRequest{CustomerID: "U1", AccountID: 42, Text: "hi"})
	require.True(t, domain.IsNotFound(err))

	require.Zero(t, f.provider.pushCount())
	require.Empty(t, f.messages("U1"))
}

func TestSendPersistsWhenCallerGoesAway(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.provider.onPush = cancel
	f.provider.responses = []pushResponse{{status: 0, err: context.Canceled}}

	res, err := f.svc.SendMessage(ctx, f.agent, sendText("U1", "still here?"))
	require.NoError(t, err)
	require.False(t, res.DeliveryOK)
	require.NotNil(t, res.DeliveryError)

	msgs := f.messages("U1")
	require.Len(t, msgs, 1, "the agent's text is recorded even though the request was cancelled")
	require.Equal(t, "still here?", msgs[0].Text)
	require.False(t, *msgs[0].DeliveryOK)
	require.NotEmpty(t, msgs[0].DeliveryError)
	require.Equal(t, []string{"update", "message"}, f.bcast.kinds())
}

func pngImage() domain.SendImageRequest {
	return domain.SendImageRequest{CustomerID: "U1", AccountID: 1, Data: []byte("\x89PNG\r\n\x1a\n...."), ContentType: "image/png"}
}

func TestSendImageUploadsAndPushesURL(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)

	res, err := f.svc.SendImage(context.Background(), f.agent, pngImage())
	require.NoError(t, err)
	require.True(t, res.DeliveryOK)
	require.Equal(t, 1, f.media.uploads)
	require.Equal(t, pngImage().Data, f.media.last)

	push := f.provider.pushes[0].Messages[0]
	require.Equal(t, "image", push.Type)
	require.Equal(t, "https://cdn.test/media/image/png", push.OriginalContentURL)
	require.Equal(t, push.OriginalContentURL, push.PreviewImageURL)

	msgs := f.messages("U1")
	require.Len(t, msgs, 1)
	require.Equal(t, domain.MessageImage, msgs[0].Type)
	require.Equal(t, push.OriginalContentURL, msgs[0].MediaURL)
	require.Equal(t, "[Image]", f.bcast.records[0].summary.LastMessagePreview)
}

func TestSendImageRecordsFailedPush(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)
	f.provider.responses = []pushResponse{{status: 400, err: &line.CallError{Status: 400}}}

	res, err := f.svc.SendImage(context.Background(), f.agent, pngImage())
	require.NoError(t, err)
	require.False(t, res.DeliveryOK)
	require.Len(t, f.messages("U1"), 1)
}

func TestSendImageUploadFailureRecordsNothing(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)
	f.media.err = errors.New("bucket gone")

	_, err := f.svc.SendImage(context.Background(), f.agent, pngImage())
	require.True(t, domain.IsStorage(err))
	require.Zero(t, f.provider.pushCount())
	require.Empty(t, f.messages("U1"))
	require.Empty(t, f.bcast.kinds())
}

func TestSendImageRejectsBadRequests(t *testing.T) {
	f := newFixture()
	f.seedCustomer(t, "U1", nil)

	bad := pngImage()
	bad.ContentType = "image/gif"
	_, err := f.svc.SendImage(context.Background(), f.agent, bad)
	require.True(t, domain.IsValidation(err))

	bad = pngImage()
	bad.Data = nil
	_, err = f.svc.SendImage(context.Background(), f.agent, bad)
	require.True(t, domain.IsValidation(err))

	_, err = f.svc.SendImage(context.Background(), f.agent, domain.SendImageRequest{CustomerID: "nobody", AccountID: 1, Data: []byte("x"), ContentType: "image/jpeg"})
	require.True(t, domain.IsNotFound(err))
	require.Zero(t, f.media.uploads)
}
