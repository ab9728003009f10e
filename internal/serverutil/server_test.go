package serverutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fherrs "github.com/jdholdren/feedhook/internal/errors"
	"github.com/jdholdren/feedhook/internal/feedhook"
)

type nameReq struct {
	Name string `json:"name"`
}

func (r nameReq) Validate() error {
	if r.Name == "" {
		return fherrs.E(http.StatusBadRequest, "invalid request", fherrs.Detail{Field: "name", Error: "required"})
	}
	return nil
}

func TestDecodeValid(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "valid", body: `{"name": "a"}`},
		{name: "malformed", body: `{"name":`, wantStatus: http.StatusBadRequest},
		{name: "invalid", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "too large", body: `{"name": "` + strings.Repeat("a", maxBodyBytes) + `"}`, wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(test.body))

			got, err := DecodeValid[nameReq](r)
			if test.wantStatus == 0 {
				require.NoError(t, err)
				assert.Equal(t, "a", got.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, test.wantStatus, fherrs.FromDomain(err).Status)
		})
	}
}

func TestHandlerFuncE(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		{err: fmt.Errorf("loading: %w", feedhook.ErrNotFound), wantStatus: http.StatusNotFound},
		{err: fherrs.E(http.StatusUnprocessableEntity, "nope"), wantStatus: http.StatusUnprocessableEntity, wantMsg: "nope"},
		{err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError, wantMsg: "internal server error"},
	}
	for _, test := range tests {
		t.Run(http.StatusText(test.wantStatus), func(t *testing.T) {
			var (
				rec = httptest.NewRecorder()
				h   = HandlerFuncE(func(w http.ResponseWriter, r *http.Request) error { return test.err })
			)
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, test.wantStatus, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, float64(test.wantStatus), body["status"])
			if test.wantMsg != "" {
				assert.Equal(t, test.wantMsg, body["message"])
			}
		})
	}
}

func TestAccessLogMiddleware_RequestID(t *testing.T) {
	h := AccessLogMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(rec, r)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}
