package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	mw "github.com/openclaw/octofleet/internal/api/middleware"
	"github.com/openclaw/octofleet/internal/api/response"
	"github.com/openclaw/octofleet/internal/broker"
	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/core"
	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

// TokenVerifier authenticates the ?token= credential on streaming endpoints,
// where browser clients cannot set headers.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*mw.Identity, error)
}

const sseKeepAlive = 15 * time.Second

// Events serves the server-push surface: remediation job updates and per-node
// live telemetry. Push and pull share the same state store; these streams
// carry change notifications, never authoritative state.
type Events struct {
	bus    *bus.Bus
	broker *broker.Broker
	nodes  *core.NodeService
	auth   TokenVerifier
	logger zerolog.Logger
}

func NewEvents(b *bus.Bus, br *broker.Broker, nodes *core.NodeService, auth TokenVerifier, logger zerolog.Logger) *Events {
	return &Events{bus: b, broker: br, nodes: nodes, auth: auth, logger: logger}
}

func (h *Events) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		response.WriteError(w, http.StatusUnauthorized, "missing token")
		return false
	}
	if _, err := h.auth.VerifyToken(r.Context(), token); err != nil {
		response.WriteError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func sseEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// RemediationLive streams job_update events as jobs move through the
// pipeline.
func (h *Events) RemediationLive(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	sub := h.bus.Subscribe(bus.TopicRemediation)
	defer h.bus.Unsubscribe(sub)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, open := <-sub.C():
			if !open {
				return
			}
			sseEvent(w, flusher, evt.Type, map[string]any{"type": evt.Type, "job": evt.Payload})
		}
	}
}

// NodeLive streams one node's telemetry: registry events plus relayed
// metrics/logs session frames. The handler attaches to existing shared
// sessions when the node already has them open, so a second dashboard tab
// does not make the agent send twice.
func (h *Events) NodeLive(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	if nodeID == "" {
		response.WriteError(w, http.StatusBadRequest, "missing node ID")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	node, err := h.nodes.GetByID(r.Context(), nodeID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	clientID := platform.NewID()
	sseEvent(w, flusher, "connected", node)

	busSub := h.bus.Subscribe(bus.TopicNodes)
	defer h.bus.Unsubscribe(busSub)

	frames := make(chan model.SessionFrame, 64)
	for _, kind := range []string{model.SessionMetrics, model.SessionLogs} {
		sub, attachErr := h.attach(r.Context(), nodeID, kind, clientID)
		if attachErr != nil {
			// A node without a live agent still gets registry events.
			h.logger.Debug().Err(attachErr).Str("node_id", nodeID).Str("kind", kind).Msg("telemetry session unavailable")
			continue
		}
		defer h.broker.Unsubscribe(context.WithoutCancel(r.Context()), sub)
		go func(c chan model.SessionFrame) {
			for frame := range c {
				select {
				case frames <- frame:
				default:
				}
			}
		}(sub.C)
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			sseEvent(w, flusher, "heartbeat", map[string]any{"at": time.Now().UTC()})
		case frame := <-frames:
			if frame.Type == model.FrameClosed {
				continue
			}
			sseEvent(w, flusher, frame.Type, frame)
		case evt, open := <-busSub.C():
			if !open {
				return
			}
			payload, isMap := evt.Payload.(map[string]string)
			if !isMap || payload["node_id"] != nodeID {
				continue
			}
			switch evt.Type {
			case "node_online":
				sseEvent(w, flusher, "connected", payload)
			case "node_offline", "node_retired":
				sseEvent(w, flusher, "disconnected", payload)
			}
		}
	}
}

// attach joins an existing shared session of the kind, or opens one.
func (h *Events) attach(ctx context.Context, nodeID, kind, clientID string) (*broker.Subscriber, error) {
	if sess, ok := h.broker.FindActive(nodeID, kind); ok {
		return h.broker.Subscribe(sess.ID, clientID)
	}
	sess, err := h.broker.StartSession(ctx, nodeID, kind, clientID, nil)
	if err != nil {
		return nil, err
	}
	return h.broker.Subscribe(sess.ID, clientID)
}
