package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/octofleet/internal/broker"
	"github.com/openclaw/octofleet/internal/core"
)

func TestWriteServiceError_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", core.ErrNotFound, http.StatusNotFound},
		{"session not found", broker.ErrSessionNotFound, http.StatusNotFound},
		{"invalid transition", core.ErrInvalidTransition, http.StatusConflict},
		{"not requiring approval", core.ErrNotRequiringApproval, http.StatusConflict},
		{"rollback unsupported", core.ErrRollbackUnsupported, http.StatusConflict},
		{"session kind conflict", broker.ErrSessionKindConflict, http.StatusConflict},
		{"session terminal", broker.ErrSessionTerminal, http.StatusConflict},
		{"empty target", core.ErrEmptyTarget, http.StatusUnprocessableEntity},
		{"package not found", core.ErrPackageNotFound, http.StatusUnprocessableEntity},
		{"invalid version", core.ErrInvalidVersion, http.StatusUnprocessableEntity},
		{"unknown kind", broker.ErrUnknownKind, http.StatusBadRequest},
		{"node unavailable", core.ErrNodeUnavailable, http.StatusServiceUnavailable},
		{"node offline", broker.ErrNodeOffline, http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, tc.err)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestWriteServiceError_UnwrapsWrappedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, fmt.Errorf("get node %s: %w", validID, core.ErrNotFound))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], validID)
}
