package model

import "time"

// Node lifecycle status constants. A node is never hard-deleted while
// deployment or remediation history references it; retirement is a soft state.
const (
	NodeStatusActive  = "active"
	NodeStatusRetired = "retired"
)

type Node struct {
	ID           string     `json:"id" db:"id"`
	Hostname     string     `json:"hostname" db:"hostname"`
	OS           string     `json:"os" db:"os"`
	OSVersion    string     `json:"os_version,omitempty" db:"os_version"`
	Arch         string     `json:"arch,omitempty" db:"arch"`
	AgentVersion string     `json:"agent_version" db:"agent_version"`
	Tags         []string   `json:"tags" db:"tags"`
	Online       bool       `json:"online" db:"online"`
	Status       string     `json:"status" db:"status"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	EnrolledAt   time.Time  `json:"enrolled_at" db:"enrolled_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Heartbeat is the periodic liveness report from a node agent.
type Heartbeat struct {
	NodeID       string    `json:"node_id"`
	AgentVersion string    `json:"agent_version"`
	ReportedAt   time.Time `json:"reported_at"`
}
