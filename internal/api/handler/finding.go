package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/octofleet/internal/api/request"
	"github.com/openclaw/octofleet/internal/api/response"
	"github.com/openclaw/octofleet/internal/core"
	"github.com/openclaw/octofleet/internal/model"
)

// Finding serves vulnerability findings. Agents ingest through the WebSocket
// channel; this HTTP surface exists for external scanners and for dashboards.
type Finding struct {
	store *core.FindingStore
}

func NewFinding(store *core.FindingStore) *Finding {
	return &Finding{store: store}
}

func (h *Finding) List(w http.ResponseWriter, r *http.Request) {
	var severities []string
	if s := r.URL.Query()["severity"]; len(s) > 0 {
		severities = s
	}

	findings, err := h.store.ListFindings(r.Context(), severities)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, findings)
}

// Ingest upserts a node's finding set. Re-submitting the same (cve, software)
// pair refreshes the stored version and severity rather than duplicating.
func (h *Finding) Ingest(w http.ResponseWriter, r *http.Request) {
	nodeID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Findings []model.VulnerabilityFinding `json:"findings" validate:"required,min=1,dive"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Ingest(r.Context(), nodeID, req.Findings); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]int{"ingested": len(req.Findings)})
}
