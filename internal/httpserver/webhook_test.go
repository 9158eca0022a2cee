package httpserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"chatconsole/internal/domain"
	"chatconsole/internal/providers/line"
)

type fakeInbound struct {
	path, sig string
	body      []byte
	err       error
}

func (f *fakeInbound) HandleInbound(_ context.Context, path string, body []byte, sig string) error {
	f.path, f.body, f.sig = path, body, sig
	return f.err
}

func postCallback(t *testing.T, in *fakeInbound, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	s := New()
	(&Webhook{Svc: in, Log: quiet}).Register(s.Mux)
	req := httptest.NewRequest(http.MethodPost, "/"+path+"/callback", bytes.NewReader(body))
	req.Header.Set(line.SignatureHeader, "c2ln")
	rr := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rr, req)
	return rr
}

func TestWebhookPassesRawBody(t *testing.T) {
	in := &fakeInbound{}
	body := []byte(`{"destination":"U","events":[]}`)

	rr := postCallback(t, in, "acme", body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "acme", in.path)
	require.Equal(t, body, in.body)
	require.Equal(t, "c2ln", in.sig)
}

func TestWebhookErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&domain.SignatureError{}, http.StatusBadRequest},
		{&domain.ValidationError{Field: "body", Reason: "bad"}, http.StatusBadRequest},
		{domain.NotFound("account", "nope"), http.StatusNotFound},
		{&domain.StorageError{Op: "upload", Err: errors.New("s3")}, http.StatusInternalServerError},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := postCallback(t, &fakeInbound{err: tc.err}, "acme", []byte(`{}`))
		require.Equal(t, tc.code, rr.Code, tc.err.Error())
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	in := &fakeInbound{}
	rr := postCallback(t, in, "acme", bytes.Repeat([]byte("a"), maxBodyBytes+1))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, in.path)
}
