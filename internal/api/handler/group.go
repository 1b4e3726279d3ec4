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

type Group struct {
	svc *core.GroupService
}

func NewGroup(svc *core.GroupService) *Group {
	return &Group{svc: svc}
}

func (h *Group) List(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, groups)
}

func (h *Group) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string           `json:"name" validate:"required,slug"`
		Dynamic bool             `json:"dynamic"`
		Rule    []model.RuleTerm `json:"rule" validate:"omitempty,dive"`
		Members []string         `json:"members"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Dynamic && len(req.Rule) == 0 {
		response.WriteError(w, http.StatusBadRequest, "dynamic group requires a rule")
		return
	}

	now := time.Now()
	group := &model.Group{
		ID:        platform.NewID(),
		Name:      req.Name,
		Dynamic:   req.Dynamic,
		Rule:      req.Rule,
		Members:   req.Members,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.svc.Create(r.Context(), group); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, group)
}

func (h *Group) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	group, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, group)
}

func (h *Group) Update(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Name    string           `json:"name" validate:"omitempty,slug"`
		Rule    []model.RuleTerm `json:"rule" validate:"omitempty,dive"`
		Members []string         `json:"members"`
	}
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	group, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if req.Name != "" {
		group.Name = req.Name
	}
	if req.Rule != nil {
		group.Rule = req.Rule
	}
	if req.Members != nil {
		group.Members = req.Members
	}

	if err := h.svc.Update(r.Context(), group); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, group)
}

func (h *Group) Delete(w http.ResponseWriter, r *http.Request) {
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

// Members evaluates membership live: dynamic groups run their rule over the
// current fleet, static groups intersect the stored list with the registry.
func (h *Group) Members(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	nodes, err := h.svc.Members(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, nodes)
}
