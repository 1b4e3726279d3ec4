package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/octofleet/internal/model"
)

// sqlContaining matches the SQL argument of a mock DB call by substring.
func sqlContaining(sub string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, sub) })
}

func newDeploymentService(db *mockDB, dispatcher *mockDispatcher, retryCeiling int) *DeploymentService {
	nodes := NewNodeService(db, nil, nil)
	groups := NewGroupService(db, nodes)
	return NewDeploymentService(db, groups, dispatcher, nil, zerolog.Nop(), retryCeiling)
}

func activePackageRow() *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*bool)) = true
		return nil
	}}
}

func nodeRow(id string, online bool) *mockRow {
	now := time.Now()
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = id + ".example.com"
		*(dest[2].(*string)) = "windows"
		*(dest[3].(*string)) = "11"
		*(dest[4].(*string)) = "amd64"
		*(dest[5].(*string)) = "1.4.0"
		*(dest[6].(*[]string)) = []string{"lab"}
		*(dest[7].(*bool)) = online
		*(dest[8].(*string)) = model.NodeStatusActive
		*(dest[9].(**time.Time)) = &now
		*(dest[10].(*time.Time)) = now
		*(dest[11].(*time.Time)) = now
		return nil
	}}
}

func deploymentRow(id, status string) *mockRow {
	now := time.Now()
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = "rollout"
		*(dest[2].(*string)) = "7zip"
		*(dest[3].(*string)) = "23.1.0"
		*(dest[4].(*string)) = model.TargetAll
		*(dest[5].(**string)) = nil
		*(dest[6].(*string)) = model.ModeRequired
		*(dest[7].(*string)) = status
		*(dest[8].(**time.Time)) = nil
		*(dest[9].(**time.Time)) = nil
		*(dest[10].(*bool)) = false
		*(dest[11].(*time.Time)) = now
		*(dest[12].(*time.Time)) = now
		return nil
	}}
}

// ---------- Create ----------

func TestDeploymentService_Create_SingleNodeTarget(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM packages"), mock.Anything).Return(activePackageRow())
	db.On("QueryRow", ctx, sqlContaining("FROM nodes"), mock.Anything).Return(nodeRow("node-1", true))
	db.On("Exec", ctx, sqlContaining("INSERT INTO deployments"), mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("Exec", ctx, sqlContaining("INSERT INTO node_deployments"), mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	target := "node-1"
	d := &model.Deployment{
		ID:             "dep-1",
		Name:           "rollout",
		PackageName:    "7zip",
		PackageVersion: "23.1.0",
		TargetType:     model.TargetNode,
		TargetID:       &target,
		Mode:           model.ModeRequired,
	}

	err := svc.Create(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentPending, d.Status)
	require.Len(t, d.NodeStatuses, 1)
	assert.Equal(t, "node-1", d.NodeStatuses[0].NodeID)
	assert.Equal(t, model.NodeDeployPending, d.NodeStatuses[0].Status)
	db.AssertExpectations(t)
}

func TestDeploymentService_Create_UnknownPackage(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM packages"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	target := "node-1"
	err := svc.Create(ctx, &model.Deployment{
		ID: "dep-1", PackageName: "ghost", PackageVersion: "1.0.0",
		TargetType: model.TargetNode, TargetID: &target,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPackageNotFound)
	db.AssertExpectations(t)
}

func TestDeploymentService_Create_EmptyGroupTarget(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM packages"), mock.Anything).Return(activePackageRow())

	err := svc.Create(ctx, &model.Deployment{
		ID: "dep-1", PackageName: "7zip", PackageVersion: "23.1.0",
		TargetType: model.TargetGroup, TargetID: nil,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyTarget)
	db.AssertExpectations(t)
}

// ---------- Activate / transitions ----------

func TestDeploymentService_Activate_DispatchesOnlinePendingNodes(t *testing.T) {
	db := &mockDB{}
	dispatcher := &mockDispatcher{}
	svc := newDeploymentService(db, dispatcher, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE deployments SET status"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("QueryRow", ctx, sqlContaining("FROM deployments"), mock.Anything).
		Return(deploymentRow("dep-1", model.DeploymentActive))
	db.On("Query", ctx, sqlContaining("FROM node_deployments nd"), mock.Anything).Return(newMockRows(
		func(dest ...any) error { *(dest[0].(*string)) = "node-1"; return nil },
		func(dest ...any) error { *(dest[0].(*string)) = "node-2"; return nil },
	), nil)
	db.On("Exec", ctx, sqlContaining("COALESCE(started_at"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Twice()

	wantCmd := InstallCommand{DeploymentID: "dep-1", PackageName: "7zip", PackageVersion: "23.1.0", Mode: model.ModeRequired}
	dispatcher.On("SendInstall", ctx, "node-1", wantCmd).Return(nil)
	dispatcher.On("SendInstall", ctx, "node-2", wantCmd).Return(nil)

	err := svc.Activate(ctx, "dep-1")
	require.NoError(t, err)
	db.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestDeploymentService_Activate_InvalidFromCompleted(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE deployments SET status"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", ctx, sqlContaining("SELECT status FROM deployments"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = model.DeploymentCompleted
			return nil
		}})

	err := svc.Activate(ctx, "dep-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	db.AssertExpectations(t)
}

func TestDeploymentService_Activate_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE deployments SET status"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", ctx, sqlContaining("SELECT status FROM deployments"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	err := svc.Activate(ctx, "dep-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	db.AssertExpectations(t)
}

func TestDeploymentService_Cancel_SkipsPendingNodes(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE deployments SET status"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", ctx, sqlContaining("UPDATE node_deployments"),
		[]any{model.NodeDeploySkipped, "dep-1", model.NodeDeployPending}).
		Return(pgconn.NewCommandTag("UPDATE 3"), nil)

	err := svc.Cancel(ctx, "dep-1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestDeploymentService_Cancel_PendingIsInvalid(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	// Cancel only matches active or paused rows, so a pending deployment is
	// left untouched and the caller gets the transition error.
	db.On("Exec", ctx, sqlContaining("UPDATE deployments SET status"),
		mock.MatchedBy(func(args []any) bool {
			from, ok := args[2].([]string)
			return ok && len(from) == 2 &&
				from[0] == model.DeploymentActive && from[1] == model.DeploymentPaused
		})).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", ctx, sqlContaining("SELECT status FROM deployments"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = model.DeploymentPending
			return nil
		}})

	err := svc.Cancel(ctx, "dep-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	db.AssertExpectations(t)
}

// ---------- Dispatch ----------

func TestDeploymentService_Dispatch_OfflineAgentReleasesClaim(t *testing.T) {
	db := &mockDB{}
	dispatcher := &mockDispatcher{}
	svc := newDeploymentService(db, dispatcher, 2)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM deployments"), mock.Anything).
		Return(deploymentRow("dep-1", model.DeploymentActive))
	db.On("Query", ctx, sqlContaining("FROM node_deployments nd"), mock.Anything).Return(newMockRows(
		func(dest ...any) error { *(dest[0].(*string)) = "node-1"; return nil },
	), nil)
	// Claim succeeds, dispatch fails, claim is released.
	db.On("Exec", ctx, sqlContaining("COALESCE(started_at"),
		[]any{model.NodeDeployDownloading, "dep-1", "node-1", model.NodeDeployPending}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", ctx, sqlContaining("UPDATE node_deployments"),
		[]any{model.NodeDeployPending, "dep-1", "node-1", model.NodeDeployDownloading}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	dispatcher.On("SendInstall", ctx, "node-1", mock.Anything).Return(ErrNodeUnavailable)

	// An unavailable agent is not an attempt; the sweep picks the node up later.
	err := svc.DispatchEligible(ctx, "dep-1")
	require.NoError(t, err)
	db.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestDeploymentService_Dispatch_BeforeScheduledStartIsWithheld(t *testing.T) {
	db := &mockDB{}
	dispatcher := &mockDispatcher{}
	svc := newDeploymentService(db, dispatcher, 2)
	ctx := context.Background()

	start := time.Now().Add(time.Hour)
	row := deploymentRow("dep-1", model.DeploymentActive)
	inner := row.scanFunc
	row.scanFunc = func(dest ...any) error {
		_ = inner(dest...)
		*(dest[8].(**time.Time)) = &start
		return nil
	}
	db.On("QueryRow", ctx, sqlContaining("FROM deployments"), mock.Anything).Return(row)

	err := svc.DispatchEligible(ctx, "dep-1")
	require.NoError(t, err)
	dispatcher.AssertNotCalled(t, "SendInstall", mock.Anything, mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

func TestInDispatchWindow(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	d := &model.Deployment{}
	assert.True(t, inDispatchWindow(d, now), "unscheduled deployment dispatches immediately")

	d = &model.Deployment{ScheduledStart: &future}
	assert.False(t, inDispatchWindow(d, now), "withheld before scheduled start")

	d = &model.Deployment{ScheduledStart: &past, ScheduledEnd: &past, MaintenanceWindowOnly: true}
	assert.False(t, inDispatchWindow(d, now), "window closed")

	d = &model.Deployment{ScheduledStart: &past, ScheduledEnd: &future, MaintenanceWindowOnly: true}
	assert.True(t, inDispatchWindow(d, now), "inside maintenance window")

	d = &model.Deployment{ScheduledStart: &past, ScheduledEnd: &past}
	assert.True(t, inDispatchWindow(d, now), "past end without window enforcement still dispatches")
}

// ---------- ReportNodeResult ----------

func TestDeploymentService_ReportNodeResult_SuccessCompletesDeployment(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	exitCode := 0
	db.On("Exec", ctx, sqlContaining("UPDATE node_deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", ctx, sqlContaining("NOT EXISTS"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	err := svc.ReportNodeResult(ctx, "dep-1", "node-3", NodeResult{Status: model.NodeDeploySuccess, ExitCode: &exitCode})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestDeploymentService_ReportNodeResult_CompletesPausedDeployment(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE node_deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	// A paused deployment keeps recording in-flight results; once the last
	// node row goes terminal there is nothing left to dispatch, so the
	// completion UPDATE matches the paused row too.
	db.On("Exec", ctx, sqlContaining("NOT EXISTS"),
		mock.MatchedBy(func(args []any) bool {
			from, ok := args[2].([]string)
			return ok && len(from) == 2 &&
				from[0] == model.DeploymentActive && from[1] == model.DeploymentPaused
		})).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	err := svc.ReportNodeResult(ctx, "dep-1", "node-3", NodeResult{Status: model.NodeDeploySuccess})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestDeploymentService_ReportNodeResult_SuccessNotLastNode(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE node_deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	// Other nodes are still in flight, so the completion UPDATE matches nothing.
	db.On("Exec", ctx, sqlContaining("NOT EXISTS"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	err := svc.ReportNodeResult(ctx, "dep-1", "node-1", NodeResult{Status: model.NodeDeploySuccess})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestDeploymentService_ReportNodeResult_DuplicateSuccessIgnored(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	// The row is already terminal: the conditional UPDATE affects nothing and
	// the completion check must not run again.
	db.On("Exec", ctx, sqlContaining("UPDATE node_deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	err := svc.ReportNodeResult(ctx, "dep-1", "node-3", NodeResult{Status: model.NodeDeploySuccess})
	require.NoError(t, err)
	db.AssertExpectations(t)
	db.AssertNumberOfCalls(t, "Exec", 1)
}

func TestDeploymentService_ReportNodeResult_FailureBelowCeilingRequeues(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("SELECT attempts"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int)) = 0
			return nil
		}})
	db.On("Exec", ctx, sqlContaining("attempts = attempts + 1"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := svc.ReportNodeResult(ctx, "dep-1", "node-2", NodeResult{Status: model.NodeDeployFailed, ErrorMessage: "msiexec exited 1603"})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestDeploymentService_ReportNodeResult_FailureAtCeilingIsTerminal(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	// Two retries already consumed: this failure is final.
	db.On("QueryRow", ctx, sqlContaining("SELECT attempts"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int)) = 2
			return nil
		}})
	db.On("Exec", ctx, sqlContaining("completed_at = now()"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", ctx, sqlContaining("NOT EXISTS"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	err := svc.ReportNodeResult(ctx, "dep-1", "node-2", NodeResult{Status: model.NodeDeployFailed, ErrorMessage: "msiexec exited 1603"})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestDeploymentService_ReportNodeResult_DuplicateFailureIgnored(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	// Node already terminal: the in-flight attempts lookup finds no row.
	db.On("QueryRow", ctx, sqlContaining("SELECT attempts"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	err := svc.ReportNodeResult(ctx, "dep-1", "node-2", NodeResult{Status: model.NodeDeployFailed})
	require.NoError(t, err)
	db.AssertNumberOfCalls(t, "Exec", 0)
}

func TestDeploymentService_ReportNodeResult_UnknownStatus(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	err := svc.ReportNodeResult(ctx, "dep-1", "node-1", NodeResult{Status: "rebooting"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// ---------- Delete ----------

func TestDeploymentService_Delete_CascadesNodeRows(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("DELETE FROM node_deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)
	db.On("Exec", ctx, sqlContaining("DELETE FROM deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, svc.Delete(ctx, "dep-1"))
	db.AssertExpectations(t)
}

func TestDeploymentService_Delete_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("DELETE FROM node_deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 0"), nil)
	db.On("Exec", ctx, sqlContaining("DELETE FROM deployments"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 0"), nil)

	err := svc.Delete(ctx, "dep-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeploymentService_GetByID_DBError(t *testing.T) {
	db := &mockDB{}
	svc := newDeploymentService(db, &mockDispatcher{}, 2)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM deployments"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error { return errors.New("db error") }})

	_, err := svc.GetByID(ctx, "dep-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get deployment")
}
