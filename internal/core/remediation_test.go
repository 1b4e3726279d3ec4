package core

import (
	"context"
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

func newRemediationService(db *mockDB, findings FindingSource, dispatcher *mockDispatcher) *RemediationService {
	return NewRemediationService(db, findings, dispatcher, nil, zerolog.Nop())
}

func finding(nodeID, cve, software, version, severity string) model.VulnerabilityFinding {
	return model.VulnerabilityFinding{
		ID: "f-" + cve, NodeID: nodeID, CVEID: cve,
		Software: software, SoftwareVersion: version, Severity: severity,
	}
}

func ruleRowsFor(rules ...model.RemediationRule) *mockRows {
	funcs := make([]func(dest ...any) error, len(rules))
	for i := range rules {
		r := rules[i]
		funcs[i] = func(dest ...any) error {
			*(dest[0].(*string)) = r.ID
			*(dest[1].(*string)) = r.Name
			*(dest[2].(*string)) = r.MinSeverity
			*(dest[3].(*string)) = r.SoftwarePattern
			*(dest[4].(*bool)) = r.AutoRemediate
			*(dest[5].(*bool)) = r.RequireApproval
			*(dest[6].(*bool)) = r.Enabled
			*(dest[7].(*time.Time)) = r.CreatedAt
			*(dest[8].(*time.Time)) = r.UpdatedAt
			return nil
		}
	}
	return newMockRows(funcs...)
}

func packageRowsFor(pkgs ...model.RemediationPackage) *mockRows {
	funcs := make([]func(dest ...any) error, len(pkgs))
	for i := range pkgs {
		p := pkgs[i]
		funcs[i] = func(dest ...any) error {
			*(dest[0].(*string)) = p.ID
			*(dest[1].(*string)) = p.Name
			*(dest[2].(*string)) = p.SoftwarePattern
			*(dest[3].(*string)) = p.MinFixedVersion
			*(dest[4].(*string)) = p.Method
			*(dest[5].(*string)) = p.Command
			*(dest[6].(*string)) = p.RollbackCommand
			*(dest[7].(*bool)) = p.Enabled
			*(dest[8].(*time.Time)) = p.CreatedAt
			*(dest[9].(*time.Time)) = p.UpdatedAt
			return nil
		}
	}
	return newMockRows(funcs...)
}

func jobRow(job model.RemediationJob) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = job.ID
		*(dest[1].(*string)) = job.NodeID
		*(dest[2].(*string)) = job.CVEID
		*(dest[3].(*string)) = job.Software
		*(dest[4].(*string)) = job.SoftwareVersion
		*(dest[5].(*string)) = job.PackageID
		*(dest[6].(**string)) = job.RuleID
		*(dest[7].(*string)) = job.Status
		*(dest[8].(*bool)) = job.RequiresApproval
		*(dest[9].(*int)) = job.Attempts
		*(dest[10].(*string)) = job.ReasonCode
		*(dest[11].(*string)) = job.ErrorMessage
		*(dest[12].(**time.Time)) = job.StartedAt
		*(dest[13].(**time.Time)) = job.CompletedAt
		*(dest[14].(*time.Time)) = job.CreatedAt
		*(dest[15].(*time.Time)) = job.UpdatedAt
		return nil
	}}
}

func remediationPackageRow(p model.RemediationPackage) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = p.ID
		*(dest[1].(*string)) = p.Name
		*(dest[2].(*string)) = p.SoftwarePattern
		*(dest[3].(*string)) = p.MinFixedVersion
		*(dest[4].(*string)) = p.Method
		*(dest[5].(*string)) = p.Command
		*(dest[6].(*string)) = p.RollbackCommand
		*(dest[7].(*bool)) = p.Enabled
		*(dest[8].(*time.Time)) = p.CreatedAt
		*(dest[9].(*time.Time)) = p.UpdatedAt
		return nil
	}}
}

var patchEverything = model.RemediationRule{
	ID: "rule-1", Name: "patch everything", MinSeverity: model.SeverityLow,
	AutoRemediate: true, RequireApproval: true, Enabled: true,
}

var chromePkg = model.RemediationPackage{
	ID: "pkg-chrome", Name: "chrome-update", SoftwarePattern: "chrome",
	MinFixedVersion: "120.0.0", Method: model.FixMethodWinget,
	Command: "winget upgrade Google.Chrome", Enabled: true,
}

// ---------- Scan ----------

func TestRemediationService_Scan_DryRunCountsWithoutPersisting(t *testing.T) {
	db := &mockDB{}
	findings := &stubFindings{findings: []model.VulnerabilityFinding{
		finding("node-1", "CVE-2024-0001", "chrome", "118.0.0", model.SeverityHigh),
		finding("node-2", "CVE-2024-0001", "chrome", "119.0.0", model.SeverityHigh),
		finding("node-1", "CVE-2024-0002", "chrome", "117.0.0", model.SeverityCritical),
		finding("node-3", "CVE-2024-0003", "obscureapp", "1.0.0", model.SeverityMedium),
		finding("node-4", "CVE-2024-0004", "legacytool", "2.2.0", model.SeverityLow),
	}}
	svc := newRemediationService(db, findings, &mockDispatcher{})
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("FROM remediation_rules"), mock.Anything).Return(ruleRowsFor(patchEverything), nil)
	db.On("Query", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(packageRowsFor(chromePkg), nil)

	result, err := svc.Scan(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Scanned)
	assert.Equal(t, 3, result.WithFixAvailable)
	assert.Equal(t, 0, result.JobsCreated)
	assert.Equal(t, 0, result.JobsSkippedExisting)
	assert.True(t, result.DryRun)
	db.AssertNumberOfCalls(t, "Exec", 0)
}

func TestRemediationService_Scan_CreatesAndSkipsJobs(t *testing.T) {
	db := &mockDB{}
	findings := &stubFindings{findings: []model.VulnerabilityFinding{
		finding("node-1", "CVE-2024-0001", "chrome", "118.0.0", model.SeverityHigh),
		finding("node-2", "CVE-2024-0001", "chrome", "119.0.0", model.SeverityHigh),
	}}
	svc := newRemediationService(db, findings, &mockDispatcher{})
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("FROM remediation_rules"), mock.Anything).Return(ruleRowsFor(patchEverything), nil)
	db.On("Query", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(packageRowsFor(chromePkg), nil)
	// node-1 gets a new job; node-2 already has a live one for this CVE.
	db.On("Exec", ctx, sqlContaining("INSERT INTO remediation_jobs"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
	db.On("Exec", ctx, sqlContaining("INSERT INTO remediation_jobs"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil).Once()

	result, err := svc.Scan(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.WithFixAvailable)
	assert.Equal(t, 1, result.JobsCreated)
	assert.Equal(t, 1, result.JobsSkippedExisting)
	db.AssertExpectations(t)
}

func TestRemediationService_Scan_SeverityFilter(t *testing.T) {
	db := &mockDB{}
	findings := &stubFindings{findings: []model.VulnerabilityFinding{
		finding("node-1", "CVE-2024-0001", "chrome", "118.0.0", model.SeverityCritical),
		finding("node-2", "CVE-2024-0002", "chrome", "118.0.0", model.SeverityLow),
	}}
	svc := newRemediationService(db, findings, &mockDispatcher{})
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("FROM remediation_rules"), mock.Anything).Return(ruleRowsFor(patchEverything), nil)
	db.On("Query", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(packageRowsFor(chromePkg), nil)

	result, err := svc.Scan(ctx, []string{model.SeverityCritical}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.WithFixAvailable)
}

func TestRemediationService_Scan_AlreadyFixedVersionHasNoFix(t *testing.T) {
	db := &mockDB{}
	findings := &stubFindings{findings: []model.VulnerabilityFinding{
		finding("node-1", "CVE-2024-0001", "chrome", "121.0.0", model.SeverityHigh),
	}}
	svc := newRemediationService(db, findings, &mockDispatcher{})
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("FROM remediation_rules"), mock.Anything).Return(ruleRowsFor(patchEverything), nil)
	db.On("Query", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(packageRowsFor(chromePkg), nil)

	result, err := svc.Scan(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 0, result.WithFixAvailable)
	assert.Equal(t, 0, result.JobsCreated)
}

func TestRemediationService_Scan_NoMatchingRuleCreatesNothing(t *testing.T) {
	db := &mockDB{}
	findings := &stubFindings{findings: []model.VulnerabilityFinding{
		finding("node-1", "CVE-2024-0001", "chrome", "118.0.0", model.SeverityLow),
	}}
	svc := newRemediationService(db, findings, &mockDispatcher{})
	ctx := context.Background()

	criticalOnly := patchEverything
	criticalOnly.MinSeverity = model.SeverityCritical
	db.On("Query", ctx, sqlContaining("FROM remediation_rules"), mock.Anything).Return(ruleRowsFor(criticalOnly), nil)
	db.On("Query", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(packageRowsFor(chromePkg), nil)

	result, err := svc.Scan(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.WithFixAvailable)
	assert.Equal(t, 0, result.JobsCreated)
	db.AssertNumberOfCalls(t, "Exec", 0)
}

// ---------- Rule and package matching ----------

func TestPickRule_PrefersMostSpecificPattern(t *testing.T) {
	broad := model.RemediationRule{ID: "rule-2", MinSeverity: model.SeverityLow, Enabled: true}
	narrow := model.RemediationRule{ID: "rule-9", MinSeverity: model.SeverityLow, SoftwarePattern: "chrome*", Enabled: true}

	f := finding("node-1", "CVE-2024-0001", "chrome", "118.0.0", model.SeverityHigh)
	picked := pickRule([]model.RemediationRule{broad, narrow}, &f)
	require.NotNil(t, picked)
	assert.Equal(t, "rule-9", picked.ID)
}

func TestPickRule_TieBreaksOnLowestID(t *testing.T) {
	a := model.RemediationRule{ID: "rule-b", MinSeverity: model.SeverityLow, SoftwarePattern: "chrome", Enabled: true}
	b := model.RemediationRule{ID: "rule-a", MinSeverity: model.SeverityLow, SoftwarePattern: "chrome", Enabled: true}

	f := finding("node-1", "CVE-2024-0001", "chrome", "118.0.0", model.SeverityHigh)
	picked := pickRule([]model.RemediationRule{a, b}, &f)
	require.NotNil(t, picked)
	assert.Equal(t, "rule-a", picked.ID)
}

func TestPickRule_SkipsDisabledAndBelowSeverity(t *testing.T) {
	disabled := model.RemediationRule{ID: "rule-1", MinSeverity: model.SeverityLow, Enabled: false}
	tooHigh := model.RemediationRule{ID: "rule-2", MinSeverity: model.SeverityCritical, Enabled: true}

	f := finding("node-1", "CVE-2024-0001", "chrome", "118.0.0", model.SeverityMedium)
	assert.Nil(t, pickRule([]model.RemediationRule{disabled, tooHigh}, &f))
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, matchesPattern("", "anything"))
	assert.True(t, matchesPattern("chrome", "Google Chrome"))
	assert.True(t, matchesPattern("chrome*", "chrome"))
	assert.False(t, matchesPattern("chrome*", "google chrome"))
	assert.False(t, matchesPattern("firefox", "chrome"))
}

// ---------- Approve ----------

func TestRemediationService_Approve_Success(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", NodeID: "node-1", Status: model.JobPending, RequiresApproval: true,
	}))
	db.On("Exec", ctx, sqlContaining("UPDATE remediation_jobs"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, svc.Approve(ctx, "job-1"))
	db.AssertExpectations(t)
}

func TestRemediationService_Approve_NotRequiringApproval(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", Status: model.JobApproved, RequiresApproval: false,
	}))

	err := svc.Approve(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRequiringApproval)
	db.AssertNumberOfCalls(t, "Exec", 0)
}

func TestRemediationService_Approve_AlreadyApproved(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", Status: model.JobApproved, RequiresApproval: true,
	}))
	db.On("Exec", ctx, sqlContaining("UPDATE remediation_jobs"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := svc.Approve(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// ---------- Execute ----------

func TestRemediationService_Execute_DispatchesFix(t *testing.T) {
	db := &mockDB{}
	dispatcher := &mockDispatcher{}
	svc := newRemediationService(db, &stubFindings{}, dispatcher)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", NodeID: "node-1", PackageID: "pkg-chrome", Status: model.JobApproved,
	}))
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(remediationPackageRow(chromePkg))
	db.On("Exec", ctx, sqlContaining("started_at = now()"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	dispatcher.On("SendFix", ctx, "node-1", FixCommand{
		JobID: "job-1", Method: model.FixMethodWinget, Command: "winget upgrade Google.Chrome",
	}).Return(nil)

	require.NoError(t, svc.Execute(ctx, "job-1"))
	db.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestRemediationService_Execute_PendingApprovalRejected(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", PackageID: "pkg-chrome", Status: model.JobPending, RequiresApproval: true,
	}))
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(remediationPackageRow(chromePkg))
	db.On("Exec", ctx, sqlContaining("started_at = now()"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := svc.Execute(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRemediationService_Execute_OfflineNodeFailsJob(t *testing.T) {
	db := &mockDB{}
	dispatcher := &mockDispatcher{}
	svc := newRemediationService(db, &stubFindings{}, dispatcher)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", NodeID: "node-1", PackageID: "pkg-chrome", Status: model.JobApproved,
	}))
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(remediationPackageRow(chromePkg))
	db.On("Exec", ctx, sqlContaining("started_at = now()"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	dispatcher.On("SendFix", ctx, "node-1", mock.Anything).Return(ErrNodeUnavailable)
	// The job is failed with a reason code instead of retrying.
	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "reason_code") && strings.Contains(sql, "completed_at = now()")
	}), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := svc.Execute(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeUnavailable)
	db.AssertExpectations(t)
}

// ---------- ReportResult / Retry / Rollback ----------

func TestRemediationService_ReportResult_Success(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE remediation_jobs"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, svc.ReportResult(ctx, "job-1", JobResult{Status: model.JobSuccess}))
	db.AssertExpectations(t)
}

func TestRemediationService_ReportResult_DuplicateIgnored(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("UPDATE remediation_jobs"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	require.NoError(t, svc.ReportResult(ctx, "job-1", JobResult{Status: model.JobFailed, ErrorMessage: "winget exited 1"}))
}

func TestRemediationService_Retry_AutoApprovesWhenNoApprovalRequired(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", Status: model.JobFailed, RequiresApproval: false, Attempts: 1,
	}))
	db.On("Exec", ctx, sqlContaining("attempts = attempts + 1"),
		mock.MatchedBy(func(args []any) bool { return args[0] == model.JobApproved })).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, svc.Retry(ctx, "job-1"))
	db.AssertExpectations(t)
}

func TestRemediationService_Retry_NonFailedRejected(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", Status: model.JobSuccess,
	}))
	db.On("Exec", ctx, sqlContaining("attempts = attempts + 1"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := svc.Retry(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRemediationService_Rollback_UnsupportedMethod(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	noRollback := chromePkg
	noRollback.RollbackCommand = ""
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", PackageID: "pkg-chrome", Status: model.JobFailed,
	}))
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(remediationPackageRow(noRollback))

	err := svc.Rollback(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackUnsupported)
	db.AssertNumberOfCalls(t, "Exec", 0)
}

func TestRemediationService_Rollback_Success(t *testing.T) {
	db := &mockDB{}
	dispatcher := &mockDispatcher{}
	svc := newRemediationService(db, &stubFindings{}, dispatcher)
	ctx := context.Background()

	withRollback := chromePkg
	withRollback.RollbackCommand = "winget install Google.Chrome --version 119.0.0"
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_jobs"), mock.Anything).Return(jobRow(model.RemediationJob{
		ID: "job-1", NodeID: "node-1", PackageID: "pkg-chrome", Status: model.JobFailed,
	}))
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_packages"), mock.Anything).Return(remediationPackageRow(withRollback))
	dispatcher.On("SendFix", ctx, "node-1", FixCommand{
		JobID: "job-1", Method: model.FixMethodWinget,
		Command: withRollback.RollbackCommand, Rollback: true,
	}).Return(nil)
	db.On("Exec", ctx, sqlContaining("UPDATE remediation_jobs"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, svc.Rollback(ctx, "job-1"))
	db.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

// ---------- Summary ----------

func TestRemediationService_Summary(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{}, &mockDispatcher{})
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("GROUP BY status"), mock.Anything).Return(newMockRows(
		func(dest ...any) error {
			*(dest[0].(*string)) = model.JobPending
			*(dest[1].(*int)) = 4
			return nil
		},
		func(dest ...any) error {
			*(dest[0].(*string)) = model.JobSuccess
			*(dest[1].(*int)) = 11
			return nil
		},
	), nil)
	db.On("QueryRow", ctx, sqlContaining("FROM remediation_packages WHERE enabled"), mock.Anything).Return(
		&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int)) = 3
			*(dest[1].(*int)) = 2
			*(dest[2].(*int)) = 17
			return nil
		}})

	sum, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.PendingApproval)
	assert.Len(t, sum.JobsByStatus, 2)
	assert.Equal(t, 3, sum.PackagesEnabled)
	assert.Equal(t, 2, sum.RulesEnabled)
	assert.Equal(t, 17, sum.OpenFindings)
}

// Scan failing to read findings surfaces the error unchanged.
func TestRemediationService_Scan_FindingSourceError(t *testing.T) {
	db := &mockDB{}
	svc := newRemediationService(db, &stubFindings{err: pgx.ErrNoRows}, &mockDispatcher{})

	_, err := svc.Scan(context.Background(), nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list findings")
}
