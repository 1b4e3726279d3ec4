package broker

import "github.com/openclaw/octofleet/internal/model"

// overflowPolicy decides what happens when a subscriber queue is full.
type overflowPolicy int

const (
	// dropOldest discards the oldest queued frame for that subscriber only.
	// The upstream node channel is never blocked by a slow client.
	dropOldest overflowPolicy = iota

	// throttleUpstream withholds the frame acknowledgement to the node agent
	// until every subscriber has queue space. Interactive kinds carry
	// command/return semantics that cannot tolerate silent drops.
	throttleUpstream
)

// kindPolicy declares per-kind session behavior as data, so the relay loop
// has no kind-specific branches.
type kindPolicy struct {
	exclusive bool
	overflow  overflowPolicy
	queueSize int
}

var kindPolicies = map[string]kindPolicy{
	model.SessionMetrics: {exclusive: false, overflow: dropOldest, queueSize: 64},
	model.SessionLogs:    {exclusive: false, overflow: dropOldest, queueSize: 64},
	model.SessionShell:   {exclusive: true, overflow: throttleUpstream, queueSize: 16},
	model.SessionScreen:  {exclusive: true, overflow: throttleUpstream, queueSize: 16},
}
