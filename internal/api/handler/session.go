package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	mw "github.com/openclaw/octofleet/internal/api/middleware"
	"github.com/openclaw/octofleet/internal/api/response"
	"github.com/openclaw/octofleet/internal/broker"
	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

// Session serves interactive live sessions: start endpoints create the
// broker session, the ws endpoints attach a dashboard client to it.
type Session struct {
	broker *broker.Broker
	auth   TokenVerifier
	logger zerolog.Logger
}

func NewSession(b *broker.Broker, auth TokenVerifier, logger zerolog.Logger) *Session {
	return &Session{broker: b, auth: auth, logger: logger}
}

func (h *Session) start(w http.ResponseWriter, r *http.Request, kind string, options map[string]string) {
	nodeID := chi.URLParam(r, "node_id")
	if nodeID == "" {
		response.WriteError(w, http.StatusBadRequest, "missing node ID")
		return
	}

	clientID := platform.NewID()
	if identity := mw.GetIdentity(r.Context()); identity != nil {
		clientID = identity.Subject
	}

	sess, err := h.broker.StartSession(r.Context(), nodeID, kind, clientID, options)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

// StartScreen opens a screen-capture session. Quality knobs pass through to
// the agent untouched.
func (h *Session) StartScreen(w http.ResponseWriter, r *http.Request) {
	options := map[string]string{}
	if q := r.URL.Query().Get("quality"); q != "" {
		options["quality"] = q
	}
	if fps := r.URL.Query().Get("max_fps"); fps != "" {
		options["max_fps"] = fps
	}
	h.start(w, r, model.SessionScreen, options)
}

// StartShell opens a remote shell session.
func (h *Session) StartShell(w http.ResponseWriter, r *http.Request) {
	options := map[string]string{}
	if st := r.URL.Query().Get("shell_type"); st != "" {
		options["shell_type"] = st
	}
	h.start(w, r, model.SessionShell, options)
}

// Stop closes a session cleanly from the dashboard side.
func (h *Session) Stop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		response.WriteError(w, http.StatusBadRequest, "missing session ID")
		return
	}

	if err := h.broker.StopSession(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Attach upgrades to WebSocket and joins the dashboard client to the session
// stream. Auth via query param: WebSocket clients cannot set custom headers.
func (h *Session) Attach(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		response.WriteError(w, http.StatusBadRequest, "missing session ID")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		response.WriteError(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, err := h.auth.VerifyToken(r.Context(), token)
	if err != nil {
		response.WriteError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	sub, err := h.broker.Subscribe(sessionID, identity.Subject+"/"+platform.NewID())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host when proxied through the dashboard.
	})
	if err != nil {
		h.broker.Unsubscribe(context.WithoutCancel(r.Context()), sub)
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Unsubscribe must outlive the request context so the broker can close
	// an exclusive session whose last watcher left.
	defer h.broker.Unsubscribe(context.WithoutCancel(r.Context()), sub)

	// Broker -> client.
	go func() {
		defer cancel()
		for frame := range sub.C {
			data, marshalErr := json.Marshal(frame)
			if marshalErr != nil {
				continue
			}
			if writeErr := ws.Write(ctx, websocket.MessageText, data); writeErr != nil {
				return
			}
			if frame.Type == model.FrameClosed {
				ws.Close(websocket.StatusNormalClosure, frame.Message)
				return
			}
		}
	}()

	// Client -> broker. Pings refresh the idle clock; everything else goes
	// upstream to the node agent.
	for {
		_, data, readErr := ws.Read(ctx)
		if readErr != nil {
			break
		}

		var frame model.SessionFrame
		if unmarshalErr := json.Unmarshal(data, &frame); unmarshalErr != nil {
			continue
		}

		if frame.Type == model.FramePing {
			h.broker.Touch(sessionID)
			pong, _ := json.Marshal(model.SessionFrame{Type: model.FramePong})
			if writeErr := ws.Write(ctx, websocket.MessageText, pong); writeErr != nil {
				break
			}
			continue
		}

		sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
		inputErr := h.broker.ClientInput(sendCtx, sessionID, frame)
		sendCancel()
		if inputErr != nil {
			h.logger.Debug().Err(inputErr).Str("session_id", sessionID).Msg("client input rejected")
			if errors.Is(inputErr, broker.ErrSessionNotFound) || errors.Is(inputErr, broker.ErrSessionTerminal) {
				break
			}
		}
	}

	ws.Close(websocket.StatusNormalClosure, "")
}
