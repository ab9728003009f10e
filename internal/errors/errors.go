// Package errors is the structured error returned from the HTTP API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

// Error carries the HTTP status an error should be rendered with.
type Error struct {
	Status  int
	Err     error // The error this wraps
	Details []Detail
}

type Detail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s, details: %v", e.Status, e.Err, e.Details)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type transport struct {
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
	Status  int      `json:"status"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	msg := http.StatusText(e.Status)
	if e.Err != nil {
		msg = e.Err.Error()
	}

	return json.Marshal(transport{
		Message: msg,
		Details: e.Details,
		Status:  e.Status,
	})
}

func (e *Error) UnmarshalJSON(byts []byte) error {
	t := transport{}
	if err := json.Unmarshal(byts, &t); err != nil {
		return err
	}

	e.Err = errors.New(t.Message)
	e.Details = t.Details
	e.Status = t.Status
	return nil
}

// E builds an error from its arguments: a string or error becomes the
// message, an int the status, and details are appended.
func E(args ...any) *Error {
	ret := &Error{
		Status:  http.StatusInternalServerError,
		Err:     nil,
		Details: nil,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Detail:
			ret.Details = append(ret.Details, arg)
		case []Detail:
			ret.Details = append(ret.Details, arg...)
		}
	}

	return ret
}

// FromDomain maps the sentinel errors of the domain to their statuses.
// Anything else is an internal error and its message is not exposed.
func FromDomain(err error) *Error {
	if e := (&Error{}); errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, feedhook.ErrNotFound):
		return E(http.StatusNotFound, err)
	case errors.Is(err, feedhook.ErrConflict):
		return E(http.StatusConflict, err)
	case errors.Is(err, feedhook.ErrInvalidID):
		return E(http.StatusBadRequest, err)
	}

	return E(http.StatusInternalServerError, "internal server error")
}
