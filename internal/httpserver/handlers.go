package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"chatconsole/internal/domain"
	"chatconsole/internal/service"
)

// Chat is the slice of service.ChatService the agent API calls.
type Chat interface {
	AgentLookup
	SendMessage(ctx context.Context, agent domain.Agent, req domain.SendMessageRequest) (domain.SendResult, error)
	SendImage(ctx context.Context, agent domain.Agent, req domain.SendImageRequest) (domain.SendResult, error)
	ExportTranscript(ctx context.Context, accountID int64, externalUserID string) (string, error)
	OpenConversation(ctx context.Context, agent domain.Agent, accountID int64, externalUserID string) (service.Transcript, error)
	TranscriptPage(ctx context.Context, accountID int64, externalUserID string, offset int) (service.Transcript, error)
	SetStatus(ctx context.Context, agent domain.Agent, customerID int64, raw string) (domain.ConversationSummary, error)
	UpdateCustomerInfo(ctx context.Context, agent domain.Agent, customerID int64, in domain.CustomerInfoUpdate) (domain.ConversationSummary, error)
	ListConversations(ctx context.Context, agent domain.Agent, req service.ListRequest) (service.ConversationPage, error)
	SearchConversations(ctx context.Context, agent domain.Agent, term string) ([]domain.ConversationSummary, error)
	SetActiveGroups(ctx context.Context, agent domain.Agent, groupIDs []int64) ([]int64, error)
	ActiveGroups(ctx context.Context, agent domain.Agent) ([]int64, error)
	Groups(ctx context.Context) ([]domain.Group, error)
}

type Realtime interface {
	Serve(w http.ResponseWriter, r *http.Request, agentID int64)
}

type API struct {
	Svc      Chat
	Realtime Realtime
	Log      *slog.Logger
}

const (
	maxBodyBytes  = 1 << 20
	maxImageForm  = domain.MaxImageBytes + maxBodyBytes
	imageFormFile = "image"
)

func (a *API) Register(r *mux.Router) {
	guard := RequireAgent(a.Svc, a.Log)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(guard)
	api.HandleFunc("/send_message", a.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/send_sticker", a.handleSendSticker).Methods(http.MethodPost)
	api.HandleFunc("/send_image", a.handleSendImage).Methods(http.MethodPost)
	api.HandleFunc("/download/{customer_id}", a.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/messages/{customer_id}", a.handleOpenConversation).Methods(http.MethodPost)
	api.HandleFunc("/messages/{customer_id}/more", a.handleMoreMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversation_status/{id}", a.handleSetStatus).Methods(http.MethodPost)
	api.HandleFunc("/user_info/{id}", a.handleUserInfo).Methods(http.MethodPost)
	api.HandleFunc("/search_conversations", a.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/active_groups", a.handleSetActiveGroups).Methods(http.MethodPost)
	api.HandleFunc("/active_groups", a.handleActiveGroups).Methods(http.MethodGet)
	api.HandleFunc("/groups", a.handleGroups).Methods(http.MethodGet)

	r.Handle("/", guard(http.HandlerFunc(a.handleList))).Methods(http.MethodGet)
	if a.Realtime != nil {
		r.Handle("/ws", guard(http.HandlerFunc(a.handleWS))).Methods(http.MethodGet)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return false
	}
	return true
}

func agent(r *http.Request) domain.Agent {
	a, _ := AgentFrom(r.Context())
	return a
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	req.PackageID, req.StickerID = "", ""
	a.send(w, r, req)
}

func (a *API) handleSendSticker(w http.ResponseWriter, r *http.Request) {
	var req domain.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.IsSticker() {
		http.Error(w, "package_id and sticker_id are required", http.StatusBadRequest)
		return
	}
	req.Text = ""
	a.send(w, r, req)
}

func (a *API) send(w http.ResponseWriter, r *http.Request, req domain.SendMessageRequest) {
	res, err := a.Svc.SendMessage(r.Context(), agent(r), req)
	if err != nil {
		writeError(w, r, a.Log, err, "send message failed", "account_id", req.AccountID, "customer_id", req.CustomerID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSendImage takes a multipart form with the image file plus customer_id and account_id.
func (a *API) handleSendImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageForm)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		http.Error(w, ErrInvalidForm, http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile(imageFormFile)
	if err != nil {
		http.Error(w, "image file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, ErrInvalidForm, http.StatusBadRequest)
		return
	}
	accountID, _ := strconv.ParseInt(r.FormValue("account_id"), 10, 64)

	req := domain.SendImageRequest{
		CustomerID:  r.FormValue("customer_id"),
		AccountID:   accountID,
		Data:        data,
		ContentType: http.DetectContentType(data),
	}
	res, err := a.Svc.SendImage(r.Context(), agent(r), req)
	if err != nil {
		writeError(w, r, a.Log, err, "send image failed", "account_id", req.AccountID, "customer_id", req.CustomerID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	ext := mux.Vars(r)["customer_id"]
	accountID, ok := accountParam(r)
	if ext == "" || !ok {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	text, err := a.Svc.ExportTranscript(r.Context(), accountID, ext)
	if err != nil {
		writeError(w, r, a.Log, err, "export transcript failed", "account_id", accountID, "customer_id", ext)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "chat_" + ext + ".txt"}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func accountParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("account"), 10, 64)
	return id, err == nil && id > 0
}

func (a *API) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	ext := mux.Vars(r)["customer_id"]
	accountID, ok := accountParam(r)
	if ext == "" || !ok {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	tr, err := a.Svc.OpenConversation(r.Context(), agent(r), accountID, ext)
	if err != nil {
		writeError(w, r, a.Log, err, "open conversation failed", "account_id", accountID, "customer_id", ext)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (a *API) handleMoreMessages(w http.ResponseWriter, r *http.Request) {
	ext := mux.Vars(r)["customer_id"]
	accountID, ok := accountParam(r)
	if ext == "" || !ok {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, ErrBadQuery, http.StatusBadRequest)
			return
		}
		offset = n
	}
	tr, err := a.Svc.TranscriptPage(r.Context(), accountID, ext, offset)
	if err != nil {
		writeError(w, r, a.Log, err, "load transcript page failed", "account_id", accountID, "customer_id", ext, "offset", offset)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func customerIDVar(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := customerIDVar(r)
	if !ok {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	var req domain.StatusChangeRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := a.Svc.SetStatus(r.Context(), agent(r), id, req.Status)
	if err != nil {
		writeError(w, r, a.Log, err, "set status failed", "customer_id", id, "status", req.Status)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := customerIDVar(r)
	if !ok {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	var req domain.CustomerInfoUpdate
	if !decode(w, r, &req) {
		return
	}
	sum, err := a.Svc.UpdateCustomerInfo(r.Context(), agent(r), id, req)
	if err != nil {
		writeError(w, r, a.Log, err, "update customer info failed", "customer_id", id)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// parseGroupFilter reads a comma-separated id list. An absent parameter defers to the agent's
// saved filter; a present but empty one means every group.
func parseGroupFilter(q map[string][]string) (ids []int64, set bool, err error) {
	vals, present := q["group_filter"]
	if !present {
		return nil, false, nil
	}
	ids = []int64{}
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, true, err
			}
			ids = append(ids, id)
		}
	}
	return ids, true, nil
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	groups, set, err := parseGroupFilter(q)
	if err != nil {
		http.Error(w, ErrBadQuery, http.StatusBadRequest)
		return
	}
	page := 1
	if raw := q.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil {
			http.Error(w, ErrBadQuery, http.StatusBadRequest)
			return
		}
	}
	res, err := a.Svc.ListConversations(r.Context(), agent(r), service.ListRequest{
		Status:         q.Get("status_filter"),
		GroupIDs:       groups,
		GroupFilterSet: set,
		Page:           page,
	})
	if err != nil {
		writeError(w, r, a.Log, err, "list conversations failed", "status_filter", q.Get("status_filter"), "page", page)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	items, err := a.Svc.SearchConversations(r.Context(), agent(r), term)
	if err != nil {
		writeError(w, r, a.Log, err, "search conversations failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type groupIDsBody struct {
	GroupIDs []int64 `json:"group_ids"`
}

func (a *API) handleSetActiveGroups(w http.ResponseWriter, r *http.Request) {
	var req groupIDsBody
	if !decode(w, r, &req) {
		return
	}
	ids, err := a.Svc.SetActiveGroups(r.Context(), agent(r), req.GroupIDs)
	if err != nil {
		writeError(w, r, a.Log, err, "save active groups failed", "agent_id", agent(r).ID)
		return
	}
	writeJSON(w, http.StatusOK, groupIDsBody{GroupIDs: ids})
}

func (a *API) handleActiveGroups(w http.ResponseWriter, r *http.Request) {
	ids, err := a.Svc.ActiveGroups(r.Context(), agent(r))
	if err != nil {
		writeError(w, r, a.Log, err, "load active groups failed", "agent_id", agent(r).ID)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, groupIDsBody{GroupIDs: ids})
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.Svc.Groups(r.Context())
	if err != nil {
		writeError(w, r, a.Log, err, "list groups failed")
		return
	}
	if groups == nil {
		groups = []domain.Group{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	a.Realtime.Serve(w, r, agent(r).ID)
}
