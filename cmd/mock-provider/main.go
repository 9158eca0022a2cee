package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"chatconsole/internal/providers/line"
)

type config struct {
	AccessToken       string  `envconfig:"MOCK_ACCESS_TOKEN" default:"mock_token"`
	ChannelSecret     string  `envconfig:"MOCK_CHANNEL_SECRET" default:"mock_secret"`
	Port              string  `envconfig:"PORT" default:"8080"`
	OutcomeMode       string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"server_error:1"`
	DelayMs           int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutDelayMs    int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"12000"`

	// inbound simulation: POST /simulate/{webhook_path} delivers a signed webhook to the chat server
	WebhookBaseURL        string `envconfig:"MOCK_WEBHOOK_BASE_URL" default:"http://localhost:8080"`
	WebhookMaxRetries     int    `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBaseMs    int    `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	WebhookRetryMaxMs     int    `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`
	WebhookRetryJitterPct int    `envconfig:"MOCK_WEBHOOK_RETRY_JITTER_PCT" default:"20"`

	Outcomes         []string
	FailureWeights   []weightedOutcome
	Delay            time.Duration
	TimeoutDelay     time.Duration
	WebhookRetryBase time.Duration
	WebhookRetryMax  time.Duration
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type server struct {
	cfg    config
	idx    uint64
	turn   uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client

	// accepted retry keys, replayed as 409 like the real API
	keysMu sync.Mutex
	keys   map[string]struct{}
}

func newServer(cfg config) *server {
	return &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		keys:   map[string]struct{}{},
	}
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v2/bot/message/push", s.handlePush).Methods(http.MethodPost)
	router.HandleFunc("/v2/bot/profile/{userId}", s.handleProfile).Methods(http.MethodGet)
	router.HandleFunc("/v2/bot/message/{messageId}/content", s.handleContent).Methods(http.MethodGet)
	router.HandleFunc("/simulate/{webhook_path}", s.handleSimulate).Methods(http.MethodPost)
	return router
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := newServer(cfg)
	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(s.routes())); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	return normalizeConfig(cfg)
}

func normalizeConfig(cfg config) config {
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.TimeoutDelay = time.Duration(cfg.TimeoutDelayMs) * time.Millisecond
	cfg.WebhookBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WebhookBaseURL), "/")

	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	if cfg.WebhookRetryBaseMs <= 0 {
		cfg.WebhookRetryBaseMs = 250
	}
	if cfg.WebhookRetryMaxMs <= 0 {
		cfg.WebhookRetryMaxMs = 10000
	}
	if cfg.WebhookRetryJitterPct < 0 {
		cfg.WebhookRetryJitterPct = 0
	}
	cfg.WebhookRetryBase = time.Duration(cfg.WebhookRetryBaseMs) * time.Millisecond
	cfg.WebhookRetryMax = time.Duration(cfg.WebhookRetryMaxMs) * time.Millisecond

	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "server_error", Weight: 1}}
	}
	return cfg
}

func (s *server) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.AccessToken
}

type pushBody struct {
	To       string         `json:"to"`
	Messages []line.Message `json:"messages"`
}

func (s *server) handlePush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !s.authorized(r) {
		s.maybeDelayResponse(r.Context(), start)
		writeError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	var body pushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.To == "" || len(body.Messages) == 0 {
		s.maybeDelayResponse(r.Context(), start)
		writeError(w, http.StatusBadRequest, "The request body has 1 error(s)")
		return
	}

	key := r.Header.Get("X-Line-Retry-Key")
	if key != "" && s.seen(key) {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "The retry key is already accepted"})
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	httpStatus, callErr := classifyOutcome(s.nextOutcome())
	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			time.Sleep(s.cfg.TimeoutDelay)
			writeError(w, http.StatusGatewayTimeout, "Request timed out")
			return
		}
		s.maybeDelayResponse(r.Context(), start)
		writeError(w, httpStatus, callErr.Error())
		return
	}

	if key != "" {
		s.remember(key)
	}
	sent := make([]map[string]string, 0, len(body.Messages))
	for range body.Messages {
		sent = append(sent, map[string]string{"id": strconv.FormatUint(atomic.AddUint64(&s.idx, 1), 10)})
	}
	s.maybeDelayResponse(r.Context(), start)
	writeJSON(w, http.StatusOK, map[string]any{"sentMessages": sent})
}

func (s *server) seen(key string) bool {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (s *server) remember(key string) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	s.keys[key] = struct{}{}
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	uid := mux.Vars(r)["userId"]
	short := uid
	if len(short) > 6 {
		short = short[:6]
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"userId":      uid,
		"displayName": "Mock " + short,
		"pictureUrl":  "https://profile.line-scdn.net/mock/" + uid,
	})
}

// onePixelPNG is served for every content request.
var onePixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x60, 0x00, 0x02, 0x00,
	0x00, 0x05, 0x00, 0x01, 0xe9, 0xfa, 0xdc, 0xd8, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44,
	0xae, 0x42, 0x60, 0x82,
}

func (s *server) handleContent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(onePixelPNG)))
	_, _ = w.Write(onePixelPNG)
}

type simulateRequest struct {
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	PackageID string `json:"package_id"`
	StickerID string `json:"sticker_id"`
}

// handleSimulate turns a simple request into a signed webhook delivery to the chat server.
func (s *server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	body, err := json.Marshal(line.Payload{Destination: "Umock", Events: []line.Event{s.simulatedEvent(req)}})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	target := s.cfg.WebhookBaseURL + "/" + mux.Vars(r)["webhook_path"] + "/callback"
	sig := line.Sign(s.cfg.ChannelSecret, body)
	go func() {
		_ = s.postWebhookWithRetry(context.Background(), target, sig, body)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"target": target})
}

func (s *server) simulatedEvent(req simulateRequest) line.Event {
	id := atomic.AddUint64(&s.idx, 1)
	ev := line.Event{
		Type:           line.EventMessageType,
		Timestamp:      time.Now().UnixMilli(),
		Source:         line.Source{Type: "user", UserID: req.UserID},
		WebhookEventID: fmt.Sprintf("mock-%d", id),
	}
	msg := &line.EventMessage{ID: strconv.FormatUint(id, 10), Type: "text", Text: req.Text}
	switch req.Type {
	case line.EventFollowType, line.EventUnfollowType:
		ev.Type = req.Type
		return ev
	case "image":
		msg.Type, msg.Text = "image", ""
	case "sticker":
		msg.Type, msg.Text, msg.PackageID, msg.StickerID = "sticker", "", req.PackageID, req.StickerID
	}
	ev.Message = msg
	return ev
}

func (s *server) postWebhookWithRetry(ctx context.Context, target, sig string, body []byte) error {
	maxAttempts := s.cfg.WebhookMaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(line.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		retryAfter := time.Duration(0)
		if resp != nil {
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}

		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return nil
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}

		if attempt == maxAttempts-1 {
			if err != nil {
				slog.Error("mock webhook post failed", "url", target, "attempt", attempt+1, "err", err)
				return err
			}
			slog.Error("mock webhook post failed", "url", target, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post failed: status=%d", status)
		}

		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", target, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock webhook post retrying", "url", target, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}

	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	base := s.cfg.WebhookRetryBase
	max := s.cfg.WebhookRetryMax
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}

	// base * 2^attempt, capped
	wait := base * time.Duration(1<<attempt)
	if wait > max {
		wait = max
	}

	jp := s.cfg.WebhookRetryJitterPct
	if jp <= 0 {
		return wait
	}
	if jp > 100 {
		jp = 100
	}

	delta := int64(wait) * int64(jp) / 100
	if delta <= 0 {
		return wait
	}
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.turn, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return pickWeighted(r, s.cfg.FailureWeights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func (s *server) maybeDelayResponse(ctx context.Context, start time.Time) {
	const (
		min = 100 * time.Millisecond
		max = 500 * time.Millisecond
	)

	elapsed := time.Since(start)
	if elapsed >= min {
		return
	}

	s.rngMu.Lock()
	target := min + time.Duration(s.rng.Int63n(int64(max-min)+1))
	s.rngMu.Unlock()

	remain := target - elapsed
	if remain <= 0 {
		return
	}

	t := time.NewTimer(remain)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return
	case <-t.C:
		return
	}
}

// classifyOutcome maps an outcome token to the push response.
func classifyOutcome(raw string) (httpStatus int, callErr error) {
	kind := strings.TrimSpace(raw)
	switch kind {
	case "", "ok", "success":
		return http.StatusOK, nil
	case "rate_limit", "429":
		return http.StatusTooManyRequests, errors.New("You have reached your monthly limit.")
	case "bad_request", "400":
		return http.StatusBadRequest, errors.New("The request body has 1 error(s)")
	case "server_error", "500":
		return http.StatusInternalServerError, errors.New("An error occurred in the server")
	case "timeout":
		return http.StatusGatewayTimeout, context.DeadlineExceeded
	default:
		return http.StatusInternalServerError, errors.New("mock error: " + kind)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]weightedOutcome, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.Split(p, ":")
		if len(kv) != 2 {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || w <= 0 {
			continue
		}
		kind := strings.TrimSpace(kv[0])
		if kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "server_error"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return items[0].Kind
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
