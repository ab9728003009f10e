package errors_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fherrs "github.com/jdholdren/feedhook/internal/errors"
	"github.com/jdholdren/feedhook/internal/feedhook"
)

func TestEConstructor(t *testing.T) {
	got := fherrs.E(
		"something went wrong",
		fherrs.Detail{Field: "url", Error: "was bad"},
		http.StatusBadRequest,
	)
	want := &fherrs.Error{
		Err: errors.New("something went wrong"),
		Details: []fherrs.Detail{
			{Field: "url", Error: "was bad"},
		},
		Status: http.StatusBadRequest,
	}

	assert.Equal(t, want, got)
}

func TestMarshalJSON(t *testing.T) {
	byts, err := json.Marshal(fherrs.E(http.StatusNotFound, "no such subscription"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"no such subscription","status":404}`, string(byts))
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "not found",
			err:    fmt.Errorf("subscription: %w", feedhook.ErrNotFound),
			status: http.StatusNotFound,
		},
		{
			name:   "conflict",
			err:    fmt.Errorf("endpoint: %w", feedhook.ErrConflict),
			status: http.StatusConflict,
		},
		{
			name:   "invalid id",
			err:    fmt.Errorf("path: %w", feedhook.ErrInvalidID),
			status: http.StatusBadRequest,
		},
		{
			name:   "already structured",
			err:    fmt.Errorf("wrapped: %w", fherrs.E(http.StatusUnprocessableEntity, "bad url")),
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "anything else",
			err:    errors.New("disk on fire"),
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, fherrs.FromDomain(tt.err).Status)
		})
	}
}
