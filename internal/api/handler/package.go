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

// Package serves the software package registry that deployments draw from.
type Package struct {
	svc *core.PackageService
}

func NewPackage(svc *core.PackageService) *Package {
	return &Package{svc: svc}
}

func (h *Package) List(w http.ResponseWriter, r *http.Request) {
	params := request.ParseListParams(r, "name")

	packages, hasMore, err := h.svc.List(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(packages) > 0 {
		nextCursor = packages[len(packages)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, packages, nextCursor, hasMore)
}

func (h *Package) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name" validate:"required,slug"`
		Version   string `json:"version" validate:"required"`
		SourceURL string `json:"source_url" validate:"omitempty,url"`
		Checksum  string `json:"checksum"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	pkg := &model.Package{
		ID:        platform.NewID(),
		Name:      req.Name,
		Version:   req.Version,
		SourceURL: req.SourceURL,
		Checksum:  req.Checksum,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.svc.Register(r.Context(), pkg); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, pkg)
}

func (h *Package) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	pkg, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, pkg)
}

// Deactivate removes the package from the deployable set without deleting the
// rows deployments reference.
func (h *Package) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Deactivate(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
