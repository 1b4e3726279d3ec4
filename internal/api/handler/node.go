package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/octofleet/internal/api/request"
	"github.com/openclaw/octofleet/internal/api/response"
	"github.com/openclaw/octofleet/internal/core"
)

// Node serves the fleet registry. Nodes enroll through the agent channel, so
// there is no Create here; the HTTP surface is read plus retirement.
type Node struct {
	svc         *core.NodeService
	deployments *core.DeploymentService
}

func NewNode(svc *core.NodeService, deployments *core.DeploymentService) *Node {
	return &Node{svc: svc, deployments: deployments}
}

func (h *Node) List(w http.ResponseWriter, r *http.Request) {
	params := request.ParseListParams(r, "hostname")

	nodes, hasMore, err := h.svc.List(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(nodes) > 0 {
		nextCursor = nodes[len(nodes)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, nodes, nextCursor, hasMore)
}

func (h *Node) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, node)
}

// Deployments lists the node's rollout history across all deployments.
func (h *Node) Deployments(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	statuses, err := h.deployments.ListForNode(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, statuses)
}

// Retire soft-deletes: the node stops being a deployment target but its
// history stays referencable.
func (h *Node) Retire(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Retire(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
