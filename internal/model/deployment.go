package model

import "time"

// Deployment status constants.
const (
	DeploymentPending   = "pending"
	DeploymentActive    = "active"
	DeploymentPaused    = "paused"
	DeploymentCompleted = "completed"
	DeploymentCancelled = "cancelled"
)

// Per-node rollout status constants.
const (
	NodeDeployPending     = "pending"
	NodeDeployDownloading = "downloading"
	NodeDeployInstalling  = "installing"
	NodeDeploySuccess     = "success"
	NodeDeployFailed      = "failed"
	NodeDeploySkipped     = "skipped"
)

// Rollout modes.
const (
	ModeRequired  = "required"
	ModeAvailable = "available"
	ModeUninstall = "uninstall"
)

// Target selector types.
const (
	TargetNode  = "node"
	TargetGroup = "group"
	TargetAll   = "all"
)

type Deployment struct {
	ID                    string     `json:"id" db:"id"`
	Name                  string     `json:"name" db:"name"`
	PackageName           string     `json:"package_name" db:"package_name"`
	PackageVersion        string     `json:"package_version" db:"package_version"`
	TargetType            string     `json:"target_type" db:"target_type"`
	TargetID              *string    `json:"target_id,omitempty" db:"target_id"`
	Mode                  string     `json:"mode" db:"mode"`
	Status                string     `json:"status" db:"status"`
	ScheduledStart        *time.Time `json:"scheduled_start,omitempty" db:"scheduled_start"`
	ScheduledEnd          *time.Time `json:"scheduled_end,omitempty" db:"scheduled_end"`
	MaintenanceWindowOnly bool       `json:"maintenance_window_only" db:"maintenance_window_only"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`

	// NodeStatuses is the owned per-node rollout state, resolved as a
	// snapshot when the deployment is created. Populated on detail reads.
	NodeStatuses []NodeDeploymentStatus `json:"node_statuses,omitempty"`
}

type NodeDeploymentStatus struct {
	DeploymentID string     `json:"deployment_id" db:"deployment_id"`
	NodeID       string     `json:"node_id" db:"node_id"`
	Status       string     `json:"status" db:"status"`
	Attempts     int        `json:"attempts" db:"attempts"`
	ExitCode     *int       `json:"exit_code,omitempty" db:"exit_code"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// DeploymentTransitionValid reports whether a deployment-level status change
// is legal. Cancel applies to active and paused deployments only (a pending
// one is deleted instead), a paused deployment completes once every node row
// is terminal, and terminal states never transition out.
func DeploymentTransitionValid(from, to string) bool {
	switch from {
	case DeploymentPending:
		return to == DeploymentActive
	case DeploymentActive:
		return to == DeploymentPaused || to == DeploymentCancelled || to == DeploymentCompleted
	case DeploymentPaused:
		return to == DeploymentActive || to == DeploymentCancelled || to == DeploymentCompleted
	}
	return false
}

// NodeDeployTerminal reports whether a per-node status is terminal.
func NodeDeployTerminal(status string) bool {
	return status == NodeDeploySuccess || status == NodeDeployFailed || status == NodeDeploySkipped
}
