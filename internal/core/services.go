package core

import (
	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/bus"
)

// Services bundles the orchestration services sharing one database handle,
// event bus and agent dispatcher.
type Services struct {
	Node        *NodeService
	Group       *GroupService
	Package     *PackageService
	Deployment  *DeploymentService
	Remediation *RemediationService
	Finding     *FindingStore
	APIKey      *APIKeyService
}

func NewServices(db DB, dispatcher Dispatcher, b *bus.Bus, logger zerolog.Logger, retryCeiling int) *Services {
	findings := NewFindingStore(db)
	nodes := NewNodeService(db, b, findings)
	groups := NewGroupService(db, nodes)
	return &Services{
		Node:        nodes,
		Group:       groups,
		Package:     NewPackageService(db),
		Deployment:  NewDeploymentService(db, groups, dispatcher, b, logger, retryCeiling),
		Remediation: NewRemediationService(db, findings, dispatcher, b, logger),
		Finding:     findings,
		APIKey:      NewAPIKeyService(db),
	}
}
