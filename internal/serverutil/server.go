// Package serverutil holds the plumbing shared by HTTP handlers: JSON
// encoding, request validation, error rendering and access logs.
package serverutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	fherrs "github.com/jdholdren/feedhook/internal/errors"
	"github.com/jdholdren/feedhook/internal/logger"
)

// Largest request body accepted.
const maxBodyBytes = 1 << 20

const RequestIDHeader = "X-Request-Id"

func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("error encoding json response: %s", err)
	}

	return nil
}

// Validator is a request body that can check its own fields.
type Validator interface {
	Validate() error
}

// DecodeValid reads the request's JSON body into a V and validates it.
// Malformed bodies are a 400, oversized ones a 413.
func DecodeValid[V Validator](r *http.Request) (V, error) {
	var v V

	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(&v)
	if maxErr := (&http.MaxBytesError{}); errors.As(err, &maxErr) {
		return v, fherrs.E(http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxErr.Limit))
	}
	if err != nil {
		return v, fherrs.E(http.StatusBadRequest, fmt.Errorf("error decoding request: %s", err))
	}
	if err := v.Validate(); err != nil {
		return v, fmt.Errorf("error validating request: %w", err)
	}

	return v, nil
}

// AccessLogMiddleware gives every request an id, reusing the caller's
// X-Request-Id when present, and logs the request once it completes. Log
// lines written while handling it carry the id.
func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(logger.Ctx(r.Context(), slog.String("request_id", id)))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.InfoContext(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"status_code", rec.status,
			"bytes", rec.written,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

// HandlerFuncE is an [http.HandlerFunc] that can fail. The error is
// rendered as JSON with the status of its [fherrs.Error], or mapped from
// the domain sentinels.
type HandlerFuncE func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFuncE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil {
		return
	}

	rendered := fherrs.FromDomain(err)
	if rendered.Status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "error handling request", "path", r.URL.Path, "error", err)
	}

	if err := WriteJSON(w, rendered.Status, rendered); err != nil {
		slog.ErrorContext(r.Context(), "error writing response", "error", err)
	}
}

// ErrRouter lets a mux router take [HandlerFuncE] handlers.
type ErrRouter struct {
	*mux.Router
}

func (r ErrRouter) HandleFuncE(path string, f HandlerFuncE) *mux.Route {
	return r.Handle(path, f)
}
