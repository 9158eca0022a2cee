package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushSendsRetryKeyAndBody(t *testing.T) {
	var got PushRequest
	var retryKey, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/bot/message/push", r.URL.Path)
		retryKey = r.Header.Get("X-Line-Retry-Key")
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), APIBaseURL: srv.URL}
	status, _, err := c.Push(context.Background(), "tok", PushRequest{To: "U1", Messages: []Message{TextMessage("hi")}, RetryKey: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "k-1", retryKey)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "U1", got.To)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Text)
}

func TestPushErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"The request body has 1 error(s)"}`))
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), APIBaseURL: srv.URL}
	status, _, err := c.Push(context.Background(), "tok", PushRequest{To: "U1", Messages: []Message{TextMessage("hi")}})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "1 error")
	assert.False(t, ShouldRetry(err, status))
}

func TestPushConflictWithRetryKeyIsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), APIBaseURL: srv.URL}
	_, _, err := c.Push(context.Background(), "tok", PushRequest{To: "U1", Messages: []Message{TextMessage("hi")}, RetryKey: "k"})
	assert.NoError(t, err)
}

func TestProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/profile/U1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"displayName":"Ann","pictureUrl":"https://img/ann.png"}`))
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), APIBaseURL: srv.URL}
	p, err := c.Profile(context.Background(), "tok", "U1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.DisplayName)
	assert.Equal(t, "https://img/ann.png", p.PictureURL)

	_, err = c.Profile(context.Background(), "tok", "U2")
	assert.Error(t, err)
}

func TestContentLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/bot/message/m1/content", r.URL.Path)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), DataBaseURL: srv.URL, MaxContentBytes: 10}
	got, err := c.Content(context.Background(), "tok", "m1")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", got.ContentType)
	assert.Len(t, got.Data, 10)

	c.MaxContentBytes = 5
	_, err = c.Content(context.Background(), "tok", "m1")
	assert.ErrorIs(t, err, ErrContentTooLarge)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(context.DeadlineExceeded, 0))
	assert.False(t, ShouldRetry(errors.New("dial refused"), 0))
	assert.True(t, ShouldRetry(&CallError{Status: 429}, 429))
	assert.True(t, ShouldRetry(&CallError{Status: 503}, 503))
	assert.False(t, ShouldRetry(&CallError{Status: 401}, 401))
}

func TestBackoffIsBounded(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, Backoff(-1))
	assert.Equal(t, 600*time.Millisecond, Backoff(1))
	assert.Equal(t, 1400*time.Millisecond, Backoff(9))
}

func TestImageMessageWireFormat(t *testing.T) {
	raw, err := json.Marshal(ImageMessage("https://cdn.example/a.png"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"image","originalContentUrl":"https://cdn.example/a.png","previewImageUrl":"https://cdn.example/a.png"}`, string(raw))
}
