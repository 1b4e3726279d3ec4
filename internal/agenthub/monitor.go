package agenthub

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/core"
)

// Monitor flips nodes offline when their heartbeats stop arriving. The
// WebSocket close usually gets there first; the monitor catches half-dead
// connections that stopped sending without closing.
type Monitor struct {
	nodes   *core.NodeService
	hub     *Hub
	timeout time.Duration
	logger  zerolog.Logger
}

func NewMonitor(nodes *core.NodeService, hub *Hub, timeout time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		nodes:   nodes,
		hub:     hub,
		timeout: timeout,
		logger:  logger.With().Str("component", "offline-monitor").Logger(),
	}
}

// Run checks for stale nodes at a third of the heartbeat timeout until the
// context ends.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.timeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.timeout)
	ids, err := m.nodes.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("stale node sweep failed")
		return
	}
	for _, id := range ids {
		m.logger.Warn().Str("node_id", id).Msg("node heartbeat timed out")
		m.hub.Disconnect(id)
	}
}
