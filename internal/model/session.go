package model

import "time"

// Live session kinds.
const (
	SessionMetrics = "metrics"
	SessionLogs    = "logs"
	SessionShell   = "shell"
	SessionScreen  = "screen"
)

// Live session states. Closed and error are both terminal; a new session must
// be created, there is no resurrection.
const (
	SessionPending = "pending"
	SessionActive  = "active"
	SessionClosed  = "closed"
	SessionError   = "error"
)

// Close reasons recorded on terminal sessions.
const (
	CloseReasonClientStop       = "client_stop"
	CloseReasonClientGone       = "client_disconnect"
	CloseReasonNodeGone         = "node_disconnect"
	CloseReasonIdleTimeout      = "idle_timeout"
	CloseReasonProtocolViolated = "protocol_violation"
)

type LiveSession struct {
	ID        string     `json:"id" db:"id"`
	NodeID    string     `json:"node_id" db:"node_id"`
	Kind      string     `json:"kind" db:"kind"`
	State     string     `json:"state" db:"state"`
	ClientID  string     `json:"client_id" db:"client_id"`
	Reason    string     `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// SessionTerminal reports whether a session state is terminal.
func SessionTerminal(state string) bool {
	return state == SessionClosed || state == SessionError
}

// Frame message types on session streams. The same envelope is used on the
// dashboard-facing WebSocket and the node-agent channel.
const (
	FrameInfo    = "info"
	FrameData    = "frame"
	FrameOutput  = "output"
	FrameMetrics = "metrics"
	FrameLogs    = "logs"
	FrameError   = "error"
	FrameClosed  = "closed"
	FrameExit    = "exit"
	FramePing    = "ping"
	FramePong    = "pong"
)

// SessionFrame is one relayed unit: a metrics sample, a log batch, a shell
// output chunk, or a screen frame.
type SessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}
