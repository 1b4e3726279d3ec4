package agenthub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/core"
	"github.com/openclaw/octofleet/internal/metrics"
	"github.com/openclaw/octofleet/internal/model"
)

// Message types on the agent channel. One JSON envelope per WebSocket text
// message, both directions.
const (
	msgHello         = "hello"
	msgHeartbeat     = "heartbeat"
	msgInstall       = "install"
	msgInstallStatus = "install_status"
	msgFix           = "fix"
	msgFixResult     = "fix_result"
	msgFindings      = "findings"
	msgSessionStart  = "session_start"
	msgSessionReady  = "session_ready"
	msgSessionFrame  = "session_frame"
	msgSessionAck    = "session_ack"
	msgSessionStop   = "session_stop"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type heartbeatPayload struct {
	AgentVersion string `json:"agent_version"`
}

type installStatusPayload struct {
	DeploymentID string `json:"deployment_id"`
	core.NodeResult
}

type fixResultPayload struct {
	JobID string `json:"job_id"`
	core.JobResult
}

type sessionStartPayload struct {
	Session *model.LiveSession `json:"session"`
	Options map[string]string  `json:"options,omitempty"`
}

type sessionControlPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// SessionSink receives session traffic arriving on agent channels,
// implemented by the broker.
type SessionSink interface {
	HandleNodeAck(ctx context.Context, sessionID string) error
	Deliver(sessionID string, frame model.SessionFrame) bool
	NodeDisconnected(ctx context.Context, nodeID string)
}

// agentConn is one connected node agent. Writes are serialized through the
// send channel; the read loop owns the connection otherwise.
type agentConn struct {
	nodeID string
	ws     *websocket.Conn
	send   chan envelope
	done   chan struct{}
	once   sync.Once
}

func (c *agentConn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub owns the inbound agent WebSocket channels. Agents dial the gateway
// (they are commonly NATed), identify with a hello message, and then carry
// heartbeats, command results, findings and session traffic over the same
// connection. The hub is the only Dispatcher implementation.
type Hub struct {
	services *core.Services
	sessions SessionSink
	logger   zerolog.Logger

	// auth validates the agent's ?token= credential.
	auth func(ctx context.Context, token string) error

	mu    sync.Mutex
	conns map[string]*agentConn
}

func New(services *core.Services, auth func(ctx context.Context, token string) error, logger zerolog.Logger) *Hub {
	return &Hub{
		services: services,
		auth:     auth,
		logger:   logger.With().Str("component", "agent-hub").Logger(),
		conns:    make(map[string]*agentConn),
	}
}

// BindSessions attaches the session broker. Wired after construction because
// the broker needs the hub as its AgentLink.
func (h *Hub) BindSessions(sink SessionSink) {
	h.sessions = sink
}

// BindServices attaches the core services. Wired after construction because
// the deployment service needs the hub as its Dispatcher.
func (h *Hub) BindServices(services *core.Services) {
	h.services = services
}

// ConnectedCount reports the number of live agent channels.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Online reports whether a node has a live agent channel.
func (h *Hub) Online(nodeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[nodeID]
	return ok
}

// Disconnect force-closes a node's channel, if any. Used by the offline
// monitor when heartbeats stop arriving on a half-dead connection.
func (h *Hub) Disconnect(nodeID string) {
	h.mu.Lock()
	conn, ok := h.conns[nodeID]
	h.mu.Unlock()
	if ok {
		conn.close()
	}
}

// SendInstall implements core.Dispatcher.
func (h *Hub) SendInstall(ctx context.Context, nodeID string, cmd core.InstallCommand) error {
	if err := h.send(nodeID, msgInstall, cmd); err != nil {
		metrics.DispatchesTotal.WithLabelValues("unavailable").Inc()
		return err
	}
	metrics.DispatchesTotal.WithLabelValues("sent").Inc()
	return nil
}

// SendFix implements core.Dispatcher.
func (h *Hub) SendFix(ctx context.Context, nodeID string, cmd core.FixCommand) error {
	return h.send(nodeID, msgFix, cmd)
}

// SendSessionStart implements broker.AgentLink.
func (h *Hub) SendSessionStart(ctx context.Context, nodeID string, session *model.LiveSession, options map[string]string) error {
	return h.send(nodeID, msgSessionStart, sessionStartPayload{Session: session, Options: options})
}

// SendSessionFrame implements broker.AgentLink: dashboard input headed for the
// node agent.
func (h *Hub) SendSessionFrame(ctx context.Context, nodeID string, frame model.SessionFrame) error {
	return h.send(nodeID, msgSessionFrame, frame)
}

// SendSessionStop implements broker.AgentLink.
func (h *Hub) SendSessionStop(ctx context.Context, nodeID, sessionID, reason string) error {
	return h.send(nodeID, msgSessionStop, sessionControlPayload{SessionID: sessionID, Reason: reason})
}

func (h *Hub) send(nodeID, msgType string, payload any) error {
	h.mu.Lock()
	conn, ok := h.conns[nodeID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("send %s to node %s: %w", msgType, nodeID, core.ErrNodeUnavailable)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s for node %s: %w", msgType, nodeID, err)
	}

	select {
	case conn.send <- envelope{Type: msgType, Payload: raw}:
		return nil
	case <-conn.done:
		return fmt.Errorf("send %s to node %s: %w", msgType, nodeID, core.ErrNodeUnavailable)
	default:
		// A wedged send queue means the channel is effectively dead.
		conn.close()
		return fmt.Errorf("send %s to node %s: channel congested: %w", msgType, nodeID, core.ErrNodeUnavailable)
	}
}

// HandleWS upgrades an agent connection. The first message must be a hello
// carrying the node's identity; everything after is the steady-state loop.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if err := h.auth(r.Context(), token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host when proxied through the dashboard.
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("agent websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()

	node, err := h.readHello(ctx, ws)
	if err != nil {
		h.logger.Warn().Err(err).Msg("agent hello failed")
		ws.Close(websocket.StatusPolicyViolation, "hello expected")
		return
	}

	if err := h.services.Node.Enroll(ctx, node); err != nil {
		h.logger.Error().Err(err).Str("node_id", node.ID).Msg("agent enrollment failed")
		ws.Close(websocket.StatusInternalError, "enrollment failed")
		return
	}

	conn := &agentConn{
		nodeID: node.ID,
		ws:     ws,
		send:   make(chan envelope, 64),
		done:   make(chan struct{}),
	}
	h.register(conn)
	h.logger.Info().Str("node_id", node.ID).Str("hostname", node.Hostname).Msg("agent connected")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.writePump(loopCtx, conn)

	h.readLoop(loopCtx, conn)

	h.unregister(conn)
	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelCleanup()
	if err := h.services.Node.SetOnline(cleanupCtx, node.ID, false); err != nil {
		h.logger.Error().Err(err).Str("node_id", node.ID).Msg("mark node offline")
	}
	if h.sessions != nil {
		h.sessions.NodeDisconnected(cleanupCtx, node.ID)
	}
	h.logger.Info().Str("node_id", node.ID).Msg("agent disconnected")
}

func (h *Hub) readHello(ctx context.Context, ws *websocket.Conn) (*model.Node, error) {
	helloCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := ws.Read(helloCtx)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode hello envelope: %w", err)
	}
	if env.Type != msgHello {
		return nil, fmt.Errorf("expected hello, got %q", env.Type)
	}
	var node model.Node
	if err := json.Unmarshal(env.Payload, &node); err != nil {
		return nil, fmt.Errorf("decode hello payload: %w", err)
	}
	if node.ID == "" || node.Hostname == "" {
		return nil, fmt.Errorf("hello missing node id or hostname")
	}
	return &node, nil
}

func (h *Hub) register(conn *agentConn) {
	h.mu.Lock()
	old, ok := h.conns[conn.nodeID]
	h.conns[conn.nodeID] = conn
	h.mu.Unlock()
	if ok {
		// Reconnect replaces the stale channel.
		old.close()
	}
}

func (h *Hub) unregister(conn *agentConn) {
	conn.close()
	h.mu.Lock()
	if h.conns[conn.nodeID] == conn {
		delete(h.conns, conn.nodeID)
	}
	h.mu.Unlock()
}

func (h *Hub) writePump(ctx context.Context, conn *agentConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case env := <-conn.send:
			data, err := json.Marshal(env)
			if err != nil {
				h.logger.Error().Err(err).Str("node_id", conn.nodeID).Msg("encode agent message")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *agentConn) {
	for {
		select {
		case <-conn.done:
			return
		default:
		}

		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn().Err(err).Str("node_id", conn.nodeID).Msg("malformed agent message")
			continue
		}
		if err := h.handleMessage(ctx, conn, env); err != nil {
			h.logger.Error().Err(err).
				Str("node_id", conn.nodeID).
				Str("msg_type", env.Type).
				Msg("agent message handling failed")
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, conn *agentConn, env envelope) error {
	switch env.Type {
	case msgHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode heartbeat: %w", err)
		}
		return h.services.Node.Heartbeat(ctx, &model.Heartbeat{
			NodeID:       conn.nodeID,
			AgentVersion: p.AgentVersion,
			ReportedAt:   time.Now(),
		})

	case msgInstallStatus:
		var p installStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode install status: %w", err)
		}
		return h.services.Deployment.ReportNodeResult(ctx, p.DeploymentID, conn.nodeID, p.NodeResult)

	case msgFixResult:
		var p fixResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode fix result: %w", err)
		}
		return h.services.Remediation.ReportResult(ctx, p.JobID, p.JobResult)

	case msgFindings:
		var findings []model.VulnerabilityFinding
		if err := json.Unmarshal(env.Payload, &findings); err != nil {
			return fmt.Errorf("decode findings: %w", err)
		}
		return h.services.Finding.Ingest(ctx, conn.nodeID, findings)

	case msgSessionReady:
		var p sessionControlPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode session ready: %w", err)
		}
		if h.sessions == nil {
			return nil
		}
		return h.sessions.HandleNodeAck(ctx, p.SessionID)

	case msgSessionFrame:
		var frame model.SessionFrame
		if err := json.Unmarshal(env.Payload, &frame); err != nil {
			return fmt.Errorf("decode session frame: %w", err)
		}
		if h.sessions == nil {
			return nil
		}
		h.deliverFrame(ctx, conn, frame)
		return nil
	}

	h.logger.Warn().Str("node_id", conn.nodeID).Str("msg_type", env.Type).Msg("unknown agent message type")
	return nil
}

// deliverFrame relays a frame to the broker. A false return from Deliver
// means an interactive subscriber is full: the same frame is retried, which
// blocks this node's read loop and so exerts backpressure on the agent. The
// retry ends when the broker accepts the frame or the session goes away.
func (h *Hub) deliverFrame(ctx context.Context, conn *agentConn, frame model.SessionFrame) {
	for !h.sessions.Deliver(frame.SessionID, frame) {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Per-frame ack: interactive agents gate their send window on it,
	// telemetry agents ignore it.
	ack, _ := json.Marshal(sessionControlPayload{SessionID: frame.SessionID})
	select {
	case conn.send <- envelope{Type: msgSessionAck, Payload: ack}:
	default:
	}
}
