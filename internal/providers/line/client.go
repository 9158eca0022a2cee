package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBaseURL  = "https://api.line.me"
	defaultDataBaseURL = "https://api-data.line.me"
)

type Client struct {
	HTTP        *http.Client
	APIBaseURL  string
	DataBaseURL string
	// MaxContentBytes caps downloaded media. Zero means 10 MiB.
	MaxContentBytes int64
}

// Message is one outbound message object. Text or sticker, never both.
type Message struct {
	Type               string `json:"type"`
	Text               string `json:"text,omitempty"`
	PackageID          string `json:"packageId,omitempty"`
	StickerID          string `json:"stickerId,omitempty"`
	OriginalContentURL string `json:"originalContentUrl,omitempty"`
	PreviewImageURL    string `json:"previewImageUrl,omitempty"`
}

func TextMessage(text string) Message { return Message{Type: "text", Text: text} }

func StickerMessage(packageID, stickerID string) Message {
	return Message{Type: "sticker", PackageID: packageID, StickerID: stickerID}
}

// ImageMessage uses the same https URL for the original and the preview.
func ImageMessage(url string) Message {
	return Message{Type: "image", OriginalContentURL: url, PreviewImageURL: url}
}

type PushRequest struct {
	To       string    `json:"to"`
	Messages []Message `json:"messages"`
	// RetryKey makes repeated pushes of the same message idempotent on the provider side.
	RetryKey string `json:"-"`
}

type Profile struct {
	DisplayName string `json:"displayName"`
	PictureURL  string `json:"pictureUrl"`
}

type Content struct {
	Data        []byte
	ContentType string
}

type apiError struct {
	Message string `json:"message"`
}

// CallError carries the HTTP status of a failed provider call.
type CallError struct {
	Status int
	Msg    string
}

func (e *CallError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("line api %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("line api %d", e.Status)
}

func (c *Client) api() string {
	if b := strings.TrimRight(c.APIBaseURL, "/"); b != "" {
		return b
	}
	return defaultAPIBaseURL
}

func (c *Client) data() string {
	if b := strings.TrimRight(c.DataBaseURL, "/"); b != "" {
		return b
	}
	return defaultDataBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Push sends messages to one user. It returns the HTTP status and raw body alongside any error.
func (c *Client) Push(ctx context.Context, token string, req PushRequest) (int, []byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api()+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.RetryKey != "" {
		httpReq.Header.Set("X-Line-Retry-Key", req.RetryKey)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	// 409 means a push with this retry key was already accepted
	if resp.StatusCode == http.StatusConflict && req.RetryKey != "" {
		return resp.StatusCode, b, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		_ = json.Unmarshal(b, &ae)
		return resp.StatusCode, b, &CallError{Status: resp.StatusCode, Msg: ae.Message}
	}
	return resp.StatusCode, b, nil
}

func (c *Client) Profile(ctx context.Context, token, userID string) (Profile, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api()+"/v2/bot/profile/"+userID, nil)
	if err != nil {
		return Profile{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Profile{}, &CallError{Status: resp.StatusCode}
	}
	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

var ErrContentTooLarge = errors.New("line content exceeds size limit")

// Content downloads the binary body of an inbound media message.
func (c *Client) Content(ctx context.Context, token, messageID string) (Content, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.data()+"/v2/bot/message/"+messageID+"/content", nil)
	if err != nil {
		return Content{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return Content{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Content{}, &CallError{Status: resp.StatusCode}
	}

	limit := c.MaxContentBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Content{}, err
	}
	if int64(len(b)) > limit {
		return Content{}, ErrContentTooLarge
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(b)
	}
	return Content{Data: b, ContentType: ct}, nil
}

// ShouldRetry reports whether a failed push is worth repeating with the same retry key.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
