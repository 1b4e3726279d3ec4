package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/octofleet/internal/api/request"
	"github.com/openclaw/octofleet/internal/api/response"
	"github.com/openclaw/octofleet/internal/core"
	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

type Remediation struct {
	svc *core.RemediationService
}

func NewRemediation(svc *core.RemediationService) *Remediation {
	return &Remediation{svc: svc}
}

func (h *Remediation) Scan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SeverityFilter []string `json:"severity_filter" validate:"omitempty,dive,oneof=LOW MEDIUM HIGH CRITICAL"`
		DryRun         bool     `json:"dry_run"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Scan(r.Context(), req.SeverityFilter, req.DryRun)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, result)
}

func (h *Remediation) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Summary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, summary)
}

// --- Packages ---

func (h *Remediation) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.svc.ListPackages(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, packages)
}

func (h *Remediation) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string `json:"name" validate:"required,slug"`
		SoftwarePattern string `json:"software_pattern" validate:"required"`
		MinFixedVersion string `json:"min_fixed_version" validate:"required"`
		Method          string `json:"method" validate:"required,oneof=winget choco package script"`
		Command         string `json:"command" validate:"required"`
		RollbackCommand string `json:"rollback_command"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	pkg := &model.RemediationPackage{
		ID:              platform.NewID(),
		Name:            req.Name,
		SoftwarePattern: req.SoftwarePattern,
		MinFixedVersion: req.MinFixedVersion,
		Method:          req.Method,
		Command:         req.Command,
		RollbackCommand: req.RollbackCommand,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.svc.CreatePackage(r.Context(), pkg); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, pkg)
}

func (h *Remediation) PatchPackage(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.SetPackageEnabled(r.Context(), id, *req.Enabled); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Rules ---

func (h *Remediation) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.ListRules(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, rules)
}

func (h *Remediation) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string `json:"name" validate:"required,slug"`
		MinSeverity     string `json:"min_severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
		SoftwarePattern string `json:"software_pattern"`
		AutoRemediate   bool   `json:"auto_remediate"`
		RequireApproval bool   `json:"require_approval"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	rule := &model.RemediationRule{
		ID:              platform.NewID(),
		Name:            req.Name,
		MinSeverity:     req.MinSeverity,
		SoftwarePattern: req.SoftwarePattern,
		AutoRemediate:   req.AutoRemediate,
		RequireApproval: req.RequireApproval,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.svc.CreateRule(r.Context(), rule); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, rule)
}

func (h *Remediation) PatchRule(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.SetRuleEnabled(r.Context(), id, *req.Enabled); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Jobs ---

func (h *Remediation) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.ListJobs(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, jobs)
}

func (h *Remediation) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, job)
}

// jobAction wraps the four state-machine verbs, which share a signature.
func (h *Remediation) jobAction(action func(r *http.Request, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := request.RequireID(chi.URLParam(r, "id"))
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := action(r, id); err != nil {
			writeServiceError(w, err)
			return
		}

		job, err := h.svc.GetJob(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, job)
	}
}

func (h *Remediation) ApproveJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(func(r *http.Request, id string) error {
		return h.svc.Approve(r.Context(), id)
	})(w, r)
}

func (h *Remediation) ExecuteJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(func(r *http.Request, id string) error {
		return h.svc.Execute(r.Context(), id)
	})(w, r)
}

func (h *Remediation) RetryJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(func(r *http.Request, id string) error {
		return h.svc.Retry(r.Context(), id)
	})(w, r)
}

func (h *Remediation) RollbackJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(func(r *http.Request, id string) error {
		return h.svc.Rollback(r.Context(), id)
	})(w, r)
}
