package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/model"
)

// NodeResult is an agent-originated outcome report for one per-node install.
type NodeResult struct {
	Status       string `json:"status" validate:"required,oneof=downloading installing success failed"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DeploymentService drives per-node rollout state machines for software
// packages across the fleet. Every state transition is a conditional UPDATE
// against the expected current status, so concurrent agent callbacks for the
// same node serialize on the row while callbacks for different nodes never
// block each other.
type DeploymentService struct {
	db         DB
	groups     *GroupService
	dispatcher Dispatcher
	bus        *bus.Bus
	logger     zerolog.Logger

	// retryCeiling bounds automatic retries of transient install failures.
	retryCeiling int
}

func NewDeploymentService(db DB, groups *GroupService, dispatcher Dispatcher, b *bus.Bus, logger zerolog.Logger, retryCeiling int) *DeploymentService {
	return &DeploymentService{
		db:           db,
		groups:       groups,
		dispatcher:   dispatcher,
		bus:          b,
		logger:       logger.With().Str("component", "deployment-orchestrator").Logger(),
		retryCeiling: retryCeiling,
	}
}

// verifyPackage checks the referenced package exists and is active.
func (s *DeploymentService) verifyPackage(ctx context.Context, name, version string) error {
	var active bool
	err := s.db.QueryRow(ctx,
		`SELECT active FROM packages WHERE name = $1 AND version = $2`, name, version,
	).Scan(&active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("package %s@%s: %w", name, version, ErrPackageNotFound)
		}
		return fmt.Errorf("verify package %s@%s: %w", name, version, err)
	}
	if !active {
		return fmt.Errorf("package %s@%s is inactive: %w", name, version, ErrPackageNotFound)
	}
	return nil
}

// Create validates the package reference, resolves the target selector into a
// node-id snapshot, and persists the deployment in pending with one pending
// per-node row per resolved node.
func (s *DeploymentService) Create(ctx context.Context, d *model.Deployment) error {
	if err := s.verifyPackage(ctx, d.PackageName, d.PackageVersion); err != nil {
		return err
	}

	nodeIDs, err := s.groups.ResolveSelector(ctx, d.TargetType, d.TargetID)
	if err != nil {
		return err
	}

	now := time.Now()
	d.Status = model.DeploymentPending
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err = s.db.Exec(ctx,
		`INSERT INTO deployments (id, name, package_name, package_version, target_type, target_id, mode, status,
		                          scheduled_start, scheduled_end, maintenance_window_only, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		d.ID, d.Name, d.PackageName, d.PackageVersion, d.TargetType, d.TargetID, d.Mode, d.Status,
		d.ScheduledStart, d.ScheduledEnd, d.MaintenanceWindowOnly, now,
	)
	if err != nil {
		return fmt.Errorf("create deployment %s: %w", d.Name, err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO node_deployments (deployment_id, node_id, status, attempts, updated_at)
		 SELECT $1, unnest($2::text[]), $3, 0, $4`,
		d.ID, nodeIDs, model.NodeDeployPending, now,
	)
	if err != nil {
		// Compensate so a half-created deployment never becomes visible.
		_, _ = s.db.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, d.ID)
		return fmt.Errorf("create node rows for deployment %s: %w", d.ID, err)
	}

	d.NodeStatuses = make([]model.NodeDeploymentStatus, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		d.NodeStatuses = append(d.NodeStatuses, model.NodeDeploymentStatus{
			DeploymentID: d.ID,
			NodeID:       nodeID,
			Status:       model.NodeDeployPending,
			UpdatedAt:    now,
		})
	}

	s.publish("deployment_created", d.ID)
	return nil
}

// transition applies a deployment-level status change, enforcing legality
// against the current status in a single conditional UPDATE.
func (s *DeploymentService) transition(ctx context.Context, id string, from []string, to string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE deployments SET status = $1, updated_at = now() WHERE id = $2 AND status = ANY($3)`,
		to, id, from,
	)
	if err != nil {
		return fmt.Errorf("transition deployment %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing deployment from an illegal transition.
		var current string
		if err := s.db.QueryRow(ctx, `SELECT status FROM deployments WHERE id = $1`, id).Scan(&current); err != nil {
			return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("deployment %s is %s: %w", id, current, ErrInvalidTransition)
	}
	return nil
}

// Activate transitions pending→active and dispatches to every eligible node.
// Dispatch to nodes that are offline or outside the window is deferred to the
// reconciliation sweep.
func (s *DeploymentService) Activate(ctx context.Context, id string) error {
	if err := s.transition(ctx, id, []string{model.DeploymentPending}, model.DeploymentActive); err != nil {
		return err
	}
	s.publish("deployment_update", id)

	if err := s.DispatchEligible(ctx, id); err != nil {
		// Dispatch problems are absorbed into per-node state; activation
		// itself already succeeded.
		s.logger.Warn().Err(err).Str("deployment_id", id).Msg("initial dispatch incomplete")
	}
	return nil
}

// Pause suppresses new dispatch without retracting in-flight installs.
func (s *DeploymentService) Pause(ctx context.Context, id string) error {
	if err := s.transition(ctx, id, []string{model.DeploymentActive}, model.DeploymentPaused); err != nil {
		return err
	}
	s.publish("deployment_update", id)
	return nil
}

// Resume reactivates a paused deployment and immediately re-sweeps it.
func (s *DeploymentService) Resume(ctx context.Context, id string) error {
	if err := s.transition(ctx, id, []string{model.DeploymentPaused}, model.DeploymentActive); err != nil {
		return err
	}
	s.publish("deployment_update", id)

	if err := s.DispatchEligible(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("deployment_id", id).Msg("resume dispatch incomplete")
	}
	return nil
}

// Cancel terminally stops an active or paused deployment. Nodes still pending
// are marked skipped; installs already dispatched keep reporting their outcome
// but the deployment-level state no longer advances. A deployment that never
// activated is removed with Delete, not cancelled.
func (s *DeploymentService) Cancel(ctx context.Context, id string) error {
	err := s.transition(ctx, id,
		[]string{model.DeploymentActive, model.DeploymentPaused},
		model.DeploymentCancelled)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx,
		`UPDATE node_deployments SET status = $1, completed_at = now(), updated_at = now()
		 WHERE deployment_id = $2 AND status = $3`,
		model.NodeDeploySkipped, id, model.NodeDeployPending,
	)
	if err != nil {
		return fmt.Errorf("skip pending nodes for deployment %s: %w", id, err)
	}

	s.publish("deployment_update", id)
	return nil
}

// Delete removes a deployment and cascades its per-node rows.
func (s *DeploymentService) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM node_deployments WHERE deployment_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node rows for deployment %s: %w", id, err)
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deployment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

const deploymentColumns = `id, name, package_name, package_version, target_type, target_id, mode, status,
	scheduled_start, scheduled_end, maintenance_window_only, created_at, updated_at`

func scanDeployment(row interface{ Scan(dest ...any) error }) (model.Deployment, error) {
	var d model.Deployment
	err := row.Scan(&d.ID, &d.Name, &d.PackageName, &d.PackageVersion, &d.TargetType, &d.TargetID,
		&d.Mode, &d.Status, &d.ScheduledStart, &d.ScheduledEnd, &d.MaintenanceWindowOnly,
		&d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *DeploymentService) GetByID(ctx context.Context, id string) (*model.Deployment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get deployment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get deployment %s: %w", id, err)
	}

	statuses, err := s.nodeStatuses(ctx, id)
	if err != nil {
		return nil, err
	}
	d.NodeStatuses = statuses
	return &d, nil
}

func (s *DeploymentService) List(ctx context.Context) ([]model.Deployment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// ListForNode returns the deployment history rows targeting one node.
func (s *DeploymentService) ListForNode(ctx context.Context, nodeID string) ([]model.NodeDeploymentStatus, error) {
	rows, err := s.db.Query(ctx,
		`SELECT deployment_id, node_id, status, attempts, exit_code, error_message, started_at, completed_at, updated_at
		 FROM node_deployments WHERE node_id = $1 ORDER BY updated_at DESC`, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments for node %s: %w", nodeID, err)
	}
	defer rows.Close()
	return collectNodeStatuses(rows)
}

func (s *DeploymentService) nodeStatuses(ctx context.Context, deploymentID string) ([]model.NodeDeploymentStatus, error) {
	rows, err := s.db.Query(ctx,
		`SELECT deployment_id, node_id, status, attempts, exit_code, error_message, started_at, completed_at, updated_at
		 FROM node_deployments WHERE deployment_id = $1 ORDER BY node_id`, deploymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("load node statuses for deployment %s: %w", deploymentID, err)
	}
	defer rows.Close()
	return collectNodeStatuses(rows)
}

func collectNodeStatuses(rows pgx.Rows) ([]model.NodeDeploymentStatus, error) {
	var statuses []model.NodeDeploymentStatus
	for rows.Next() {
		var ns model.NodeDeploymentStatus
		if err := rows.Scan(&ns.DeploymentID, &ns.NodeID, &ns.Status, &ns.Attempts, &ns.ExitCode,
			&ns.ErrorMessage, &ns.StartedAt, &ns.CompletedAt, &ns.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node deployment status: %w", err)
		}
		statuses = append(statuses, ns)
	}
	return statuses, rows.Err()
}

// inDispatchWindow reports whether dispatch is currently permitted by the
// deployment's schedule.
func inDispatchWindow(d *model.Deployment, now time.Time) bool {
	if d.ScheduledStart != nil && now.Before(*d.ScheduledStart) {
		return false
	}
	if !d.MaintenanceWindowOnly {
		return true
	}
	if d.ScheduledEnd != nil && now.After(*d.ScheduledEnd) {
		return false
	}
	return true
}

// DispatchEligible sends the install command to every target node that is
// online, still pending, and inside the dispatch window. Claiming a node is a
// conditional pending→downloading UPDATE, which guarantees at most one
// in-flight command per (deployment, node) even under concurrent sweeps.
func (s *DeploymentService) DispatchEligible(ctx context.Context, deploymentID string) error {
	row := s.db.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("dispatch deployment %s: %w", deploymentID, ErrNotFound)
		}
		return fmt.Errorf("dispatch deployment %s: %w", deploymentID, err)
	}

	if d.Status != model.DeploymentActive {
		return nil
	}
	if !inDispatchWindow(&d, time.Now()) {
		return nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT nd.node_id FROM node_deployments nd
		 JOIN nodes n ON n.id = nd.node_id
		 WHERE nd.deployment_id = $1 AND nd.status = $2 AND n.online = true
		 ORDER BY nd.node_id`, deploymentID, model.NodeDeployPending,
	)
	if err != nil {
		return fmt.Errorf("list dispatchable nodes for deployment %s: %w", deploymentID, err)
	}
	var nodeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan dispatchable node: %w", err)
		}
		nodeIDs = append(nodeIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate dispatchable nodes: %w", err)
	}

	cmd := InstallCommand{
		DeploymentID:   d.ID,
		PackageName:    d.PackageName,
		PackageVersion: d.PackageVersion,
		Mode:           d.Mode,
	}

	var firstErr error
	for _, nodeID := range nodeIDs {
		if err := s.dispatchNode(ctx, d.ID, nodeID, cmd); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *DeploymentService) dispatchNode(ctx context.Context, deploymentID, nodeID string, cmd InstallCommand) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE node_deployments SET status = $1, started_at = COALESCE(started_at, now()), updated_at = now()
		 WHERE deployment_id = $2 AND node_id = $3 AND status = $4`,
		model.NodeDeployDownloading, deploymentID, nodeID, model.NodeDeployPending,
	)
	if err != nil {
		return fmt.Errorf("claim node %s for deployment %s: %w", nodeID, deploymentID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already claimed by a concurrent sweep or no longer pending.
		return nil
	}

	if err := s.dispatcher.SendInstall(ctx, nodeID, cmd); err != nil {
		// Release the claim so the next sweep retries the node. This is
		// not a failed attempt; the command never reached the agent.
		_, revertErr := s.db.Exec(ctx,
			`UPDATE node_deployments SET status = $1, updated_at = now()
			 WHERE deployment_id = $2 AND node_id = $3 AND status = $4`,
			model.NodeDeployPending, deploymentID, nodeID, model.NodeDeployDownloading,
		)
		if revertErr != nil {
			return fmt.Errorf("release claim on node %s: %w", nodeID, revertErr)
		}
		if !errors.Is(err, ErrNodeUnavailable) {
			return fmt.Errorf("dispatch install to node %s: %w", nodeID, err)
		}
		return nil
	}

	s.logger.Debug().Str("deployment_id", deploymentID).Str("node_id", nodeID).Msg("install dispatched")
	s.publishNode(deploymentID, nodeID)
	return nil
}

// ReportNodeResult applies an agent-originated outcome to the per-node state
// machine. Duplicate deliveries are no-ops: every transition is conditional
// on the current status, so a repeated terminal report affects zero rows and
// never double-increments the attempt counter.
func (s *DeploymentService) ReportNodeResult(ctx context.Context, deploymentID, nodeID string, result NodeResult) error {
	switch result.Status {
	case model.NodeDeployDownloading, model.NodeDeployInstalling:
		return s.reportProgress(ctx, deploymentID, nodeID, result.Status)
	case model.NodeDeploySuccess:
		return s.reportSuccess(ctx, deploymentID, nodeID, result)
	case model.NodeDeployFailed:
		return s.reportFailure(ctx, deploymentID, nodeID, result)
	}
	return fmt.Errorf("report for node %s: unknown status %q: %w", nodeID, result.Status, ErrInvalidTransition)
}

func (s *DeploymentService) reportProgress(ctx context.Context, deploymentID, nodeID, status string) error {
	// Forward-only: downloading→installing. Out-of-order or duplicate
	// progress reports are dropped.
	from := model.NodeDeployDownloading
	if status == model.NodeDeployDownloading {
		from = model.NodeDeployPending
	}
	_, err := s.db.Exec(ctx,
		`UPDATE node_deployments SET status = $1, updated_at = now()
		 WHERE deployment_id = $2 AND node_id = $3 AND status = $4`,
		status, deploymentID, nodeID, from,
	)
	if err != nil {
		return fmt.Errorf("progress for node %s in deployment %s: %w", nodeID, deploymentID, err)
	}
	s.publishNode(deploymentID, nodeID)
	return nil
}

func (s *DeploymentService) reportSuccess(ctx context.Context, deploymentID, nodeID string, result NodeResult) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE node_deployments SET status = $1, exit_code = $2, error_message = '', completed_at = now(), updated_at = now()
		 WHERE deployment_id = $3 AND node_id = $4 AND status = ANY($5)`,
		model.NodeDeploySuccess, result.ExitCode, deploymentID, nodeID,
		[]string{model.NodeDeployDownloading, model.NodeDeployInstalling},
	)
	if err != nil {
		return fmt.Errorf("success for node %s in deployment %s: %w", nodeID, deploymentID, err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate delivery or the node was never dispatched.
		return nil
	}

	s.publishNode(deploymentID, nodeID)
	return s.maybeComplete(ctx, deploymentID)
}

func (s *DeploymentService) reportFailure(ctx context.Context, deploymentID, nodeID string, result NodeResult) error {
	var attempts int
	err := s.db.QueryRow(ctx,
		`SELECT attempts FROM node_deployments
		 WHERE deployment_id = $1 AND node_id = $2 AND status = ANY($3)`,
		deploymentID, nodeID, []string{model.NodeDeployDownloading, model.NodeDeployInstalling},
	).Scan(&attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Duplicate delivery or the node was never dispatched.
			return nil
		}
		return fmt.Errorf("load attempts for node %s in deployment %s: %w", nodeID, deploymentID, err)
	}

	inFlight := []string{model.NodeDeployDownloading, model.NodeDeployInstalling}

	if attempts < s.retryCeiling {
		// Transient failure below the ceiling: back to pending for the
		// next sweep. Attempts increments only on retry.
		_, err = s.db.Exec(ctx,
			`UPDATE node_deployments SET status = $1, attempts = attempts + 1, exit_code = $2, error_message = $3, updated_at = now()
			 WHERE deployment_id = $4 AND node_id = $5 AND status = ANY($6)`,
			model.NodeDeployPending, result.ExitCode, result.ErrorMessage, deploymentID, nodeID, inFlight,
		)
		if err != nil {
			return fmt.Errorf("requeue node %s in deployment %s: %w", nodeID, deploymentID, err)
		}
		s.publishNode(deploymentID, nodeID)
		return nil
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE node_deployments SET status = $1, exit_code = $2, error_message = $3, completed_at = now(), updated_at = now()
		 WHERE deployment_id = $4 AND node_id = $5 AND status = ANY($6)`,
		model.NodeDeployFailed, result.ExitCode, result.ErrorMessage, deploymentID, nodeID, inFlight,
	)
	if err != nil {
		return fmt.Errorf("fail node %s in deployment %s: %w", nodeID, deploymentID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	s.publishNode(deploymentID, nodeID)
	return s.maybeComplete(ctx, deploymentID)
}

// maybeComplete auto-transitions the deployment to completed once every
// per-node row is terminal. The whole check-and-set is one conditional
// UPDATE, so concurrent final callbacks cannot race it into a double
// transition, and a cancelled deployment never resurrects.
func (s *DeploymentService) maybeComplete(ctx context.Context, deploymentID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE deployments SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = ANY($3)
		   AND NOT EXISTS (
			SELECT 1 FROM node_deployments
			WHERE deployment_id = $2 AND status != ALL($4)
		   )`,
		model.DeploymentCompleted, deploymentID,
		[]string{model.DeploymentActive, model.DeploymentPaused},
		[]string{model.NodeDeploySuccess, model.NodeDeployFailed, model.NodeDeploySkipped},
	)
	if err != nil {
		return fmt.Errorf("complete deployment %s: %w", deploymentID, err)
	}
	if tag.RowsAffected() == 1 {
		s.logger.Info().Str("deployment_id", deploymentID).Msg("deployment completed")
		s.publish("deployment_completed", deploymentID)
	}
	return nil
}

// ListActiveIDs returns deployments the reconciliation sweep should visit.
func (s *DeploymentService) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM deployments WHERE status = $1 ORDER BY created_at`, model.DeploymentActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list active deployments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deployment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *DeploymentService) publish(eventType, deploymentID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Topic:   bus.TopicDeployments,
		Type:    eventType,
		Payload: map[string]string{"deployment_id": deploymentID},
	})
}

func (s *DeploymentService) publishNode(deploymentID, nodeID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Topic:   bus.TopicDeployments,
		Type:    "node_status_update",
		Payload: map[string]string{"deployment_id": deploymentID, "node_id": nodeID},
	})
}
