package core

import "context"

// InstallCommand is a per-node install (or uninstall) instruction dispatched
// to a node agent as part of a deployment rollout.
type InstallCommand struct {
	DeploymentID   string `json:"deployment_id"`
	PackageName    string `json:"package_name"`
	PackageVersion string `json:"package_version"`
	Mode           string `json:"mode"`
}

// FixCommand is a remediation instruction dispatched to a node agent.
type FixCommand struct {
	JobID    string `json:"job_id"`
	Method   string `json:"method"`
	Command  string `json:"command"`
	Rollback bool   `json:"rollback,omitempty"`
}

// Dispatcher delivers commands to node agent channels. Dispatch is
// fire-and-forget: the outcome arrives later through an agent callback, never
// synchronously. Implementations return ErrNodeUnavailable when the node has
// no live channel.
type Dispatcher interface {
	SendInstall(ctx context.Context, nodeID string, cmd InstallCommand) error
	SendFix(ctx context.Context, nodeID string, cmd FixCommand) error
}
