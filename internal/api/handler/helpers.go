package handler

import (
	"errors"
	"net/http"

	"github.com/openclaw/octofleet/internal/api/response"
	"github.com/openclaw/octofleet/internal/broker"
	"github.com/openclaw/octofleet/internal/core"
)

// writeServiceError maps service sentinels to HTTP status codes. Validation
// failures map to 4xx and never mutate state; unreachable-agent failures are
// 503 so callers know to retry.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, broker.ErrSessionNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrNotRequiringApproval),
		errors.Is(err, core.ErrRollbackUnsupported),
		errors.Is(err, broker.ErrSessionKindConflict),
		errors.Is(err, broker.ErrSessionTerminal):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrEmptyTarget),
		errors.Is(err, core.ErrPackageNotFound),
		errors.Is(err, core.ErrInvalidVersion):
		response.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, broker.ErrUnknownKind):
		response.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNodeUnavailable), errors.Is(err, broker.ErrNodeOffline):
		response.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
