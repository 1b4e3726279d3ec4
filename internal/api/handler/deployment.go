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

type Deployment struct {
	svc *core.DeploymentService
}

func NewDeployment(svc *core.DeploymentService) *Deployment {
	return &Deployment{svc: svc}
}

func (h *Deployment) List(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, deployments)
}

func (h *Deployment) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                  string     `json:"name" validate:"required"`
		PackageName           string     `json:"package_name" validate:"required"`
		PackageVersion        string     `json:"package_version" validate:"required"`
		TargetType            string     `json:"target_type" validate:"required,oneof=node group all"`
		TargetID              *string    `json:"target_id"`
		Mode                  string     `json:"mode" validate:"required,oneof=required available uninstall"`
		ScheduledStart        *time.Time `json:"scheduled_start"`
		ScheduledEnd          *time.Time `json:"scheduled_end"`
		MaintenanceWindowOnly bool       `json:"maintenance_window_only"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetType != model.TargetAll && (req.TargetID == nil || *req.TargetID == "") {
		response.WriteError(w, http.StatusBadRequest, "target_id is required for node and group targets")
		return
	}

	now := time.Now()
	d := &model.Deployment{
		ID:                    platform.NewID(),
		Name:                  req.Name,
		PackageName:           req.PackageName,
		PackageVersion:        req.PackageVersion,
		TargetType:            req.TargetType,
		TargetID:              req.TargetID,
		Mode:                  req.Mode,
		Status:                model.DeploymentPending,
		ScheduledStart:        req.ScheduledStart,
		ScheduledEnd:          req.ScheduledEnd,
		MaintenanceWindowOnly: req.MaintenanceWindowOnly,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := h.svc.Create(r.Context(), d); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, d)
}

func (h *Deployment) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, d)
}

// Patch drives the deployment state machine. Illegal transitions come back as
// 409 with no state change.
func (h *Deployment) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Status string `json:"status" validate:"required,oneof=active paused cancelled"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch req.Status {
	case model.DeploymentActive:
		// "active" means Activate from pending and Resume from paused.
		current, getErr := h.svc.GetByID(r.Context(), id)
		if getErr != nil {
			writeServiceError(w, getErr)
			return
		}
		if current.Status == model.DeploymentPaused {
			err = h.svc.Resume(r.Context(), id)
		} else {
			err = h.svc.Activate(r.Context(), id)
		}
	case model.DeploymentPaused:
		err = h.svc.Pause(r.Context(), id)
	case model.DeploymentCancelled:
		err = h.svc.Cancel(r.Context(), id)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	d, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, d)
}

func (h *Deployment) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
