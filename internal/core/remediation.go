package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/metrics"
	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

// FindingSource supplies the currently-known vulnerability findings. The
// production implementation reads the findings table populated by agent scan
// reports; tests substitute fixtures.
type FindingSource interface {
	ListFindings(ctx context.Context, severities []string) ([]model.VulnerabilityFinding, error)
}

// JobResult is an agent-originated outcome report for one remediation job.
type JobResult struct {
	Status       string `json:"status" validate:"required,oneof=success failed"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RemediationService scans vulnerability findings, matches fix packages and
// rules, and drives remediation jobs per (node, vulnerability).
type RemediationService struct {
	db         DB
	findings   FindingSource
	dispatcher Dispatcher
	bus        *bus.Bus
	logger     zerolog.Logger
}

func NewRemediationService(db DB, findings FindingSource, dispatcher Dispatcher, b *bus.Bus, logger zerolog.Logger) *RemediationService {
	return &RemediationService{
		db:         db,
		findings:   findings,
		dispatcher: dispatcher,
		bus:        b,
		logger:     logger.With().Str("component", "remediation-pipeline").Logger(),
	}
}

// matchesPattern reports whether a software name matches a rule or package
// pattern. An empty pattern matches everything; a pattern with glob
// metacharacters is matched as a glob; anything else matches as a
// case-insensitive substring.
func matchesPattern(pattern, software string) bool {
	if pattern == "" {
		return true
	}
	p := strings.ToLower(pattern)
	s := strings.ToLower(software)
	if strings.ContainsAny(p, "*?[") {
		ok, err := path.Match(p, s)
		return err == nil && ok
	}
	return strings.Contains(s, p)
}

// patternSpecificity orders competing rule matches: more literal characters
// win; an empty pattern is the least specific.
func patternSpecificity(pattern string) int {
	n := 0
	for _, r := range pattern {
		if r != '*' && r != '?' {
			n++
		}
	}
	return n
}

// pickRule selects the governing rule for a finding: the enabled rule whose
// severity threshold the finding meets and whose software pattern matches,
// preferring the most specific pattern, with ties broken by rule id ascending.
func pickRule(rules []model.RemediationRule, f *model.VulnerabilityFinding) *model.RemediationRule {
	var best *model.RemediationRule
	bestScore := -1
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if !model.SeverityAtLeast(f.Severity, r.MinSeverity) {
			continue
		}
		if !matchesPattern(r.SoftwarePattern, f.Software) {
			continue
		}
		score := patternSpecificity(r.SoftwarePattern)
		if score > bestScore || (score == bestScore && best != nil && r.ID < best.ID) {
			best = r
			bestScore = score
		}
	}
	return best
}

// pickPackage selects an enabled remediation package whose software pattern
// matches and whose minimum fixed version is newer than the vulnerable
// version. Version comparison is semantic, not lexical.
func pickPackage(pkgs []model.RemediationPackage, f *model.VulnerabilityFinding) *model.RemediationPackage {
	var best *model.RemediationPackage
	bestScore := -1
	for i := range pkgs {
		p := &pkgs[i]
		if !p.Enabled {
			continue
		}
		if !matchesPattern(p.SoftwarePattern, f.Software) {
			continue
		}
		if !VersionBefore(f.SoftwareVersion, p.MinFixedVersion) {
			continue
		}
		score := patternSpecificity(p.SoftwarePattern)
		if score > bestScore {
			best = p
			bestScore = score
		}
	}
	return best
}

// Scan evaluates findings against rules and packages. With dry_run the result
// is computed but nothing is persisted. Job creation is idempotent: an
// equivalent non-terminal job for the same (node, CVE) is counted as skipped.
func (s *RemediationService) Scan(ctx context.Context, severityFilter []string, dryRun bool) (*model.ScanResult, error) {
	findings, err := s.findings.ListFindings(ctx, severityFilter)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}

	rules, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	pkgs, err := s.ListPackages(ctx)
	if err != nil {
		return nil, err
	}

	result := &model.ScanResult{DryRun: dryRun}
	for i := range findings {
		f := &findings[i]
		result.Scanned++

		pkg := pickPackage(pkgs, f)
		if pkg == nil {
			continue
		}
		result.WithFixAvailable++

		rule := pickRule(rules, f)
		if rule == nil || !rule.AutoRemediate {
			continue
		}
		if dryRun {
			continue
		}

		created, err := s.createJob(ctx, f, pkg, rule)
		if err != nil {
			return nil, err
		}
		if created {
			result.JobsCreated++
		} else {
			result.JobsSkippedExisting++
		}
	}

	s.logger.Info().
		Int("scanned", result.Scanned).
		Int("with_fix", result.WithFixAvailable).
		Int("created", result.JobsCreated).
		Int("skipped", result.JobsSkippedExisting).
		Bool("dry_run", dryRun).
		Msg("remediation scan finished")
	return result, nil
}

// createJob inserts a job unless an equivalent non-terminal job already
// exists for the (node, CVE) pair. Jobs without an approval requirement are
// created directly in approved.
func (s *RemediationService) createJob(ctx context.Context, f *model.VulnerabilityFinding, pkg *model.RemediationPackage, rule *model.RemediationRule) (bool, error) {
	status := model.JobApproved
	if rule.RequireApproval {
		status = model.JobPending
	}

	jobID := platform.NewID()
	tag, err := s.db.Exec(ctx,
		`INSERT INTO remediation_jobs (id, node_id, cve_id, software, software_version, package_id, rule_id,
		                               status, requires_approval, attempts, created_at, updated_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, 0, now(), now()
		 WHERE NOT EXISTS (
			SELECT 1 FROM remediation_jobs
			WHERE node_id = $2 AND cve_id = $3 AND status != ALL($10)
		 )`,
		jobID, f.NodeID, f.CVEID, f.Software, f.SoftwareVersion, pkg.ID, rule.ID,
		status, rule.RequireApproval,
		[]string{model.JobSuccess, model.JobRolledBack, model.JobSkipped},
	)
	if err != nil {
		return false, fmt.Errorf("create job for %s on node %s: %w", f.CVEID, f.NodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	s.publishJob(ctx, jobID)
	return true, nil
}

// Approve transitions pending→approved. Only legal for jobs that actually
// require approval.
func (s *RemediationService) Approve(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.RequiresApproval {
		return fmt.Errorf("approve job %s: %w", jobID, ErrNotRequiringApproval)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE remediation_jobs SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		model.JobApproved, jobID, model.JobPending,
	)
	if err != nil {
		return fmt.Errorf("approve job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approve job %s (status %s): %w", jobID, job.Status, ErrInvalidTransition)
	}

	s.publishJob(ctx, jobID)
	return nil
}

// Execute transitions approved→running and dispatches the fix command. A job
// gated on approval that is still pending fails here with no state change. A
// dispatch error (node offline between approval and execution) fails the job
// with a reason code; that path is never retried automatically.
func (s *RemediationService) Execute(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	pkg, err := s.GetPackage(ctx, job.PackageID)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE remediation_jobs SET status = $1, started_at = now(), updated_at = now()
		 WHERE id = $2 AND status = $3`,
		model.JobRunning, jobID, model.JobApproved,
	)
	if err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execute job %s (status %s): %w", jobID, job.Status, ErrInvalidTransition)
	}

	cmd := FixCommand{JobID: jobID, Method: pkg.Method, Command: pkg.Command}
	if err := s.dispatcher.SendFix(ctx, job.NodeID, cmd); err != nil {
		reason := model.ReasonChannelClosed
		if errors.Is(err, ErrNodeUnavailable) {
			reason = model.ReasonNodeOffline
		}
		_, failErr := s.db.Exec(ctx,
			`UPDATE remediation_jobs SET status = $1, reason_code = $2, error_message = $3, completed_at = now(), updated_at = now()
			 WHERE id = $4 AND status = $5`,
			model.JobFailed, reason, err.Error(), jobID, model.JobRunning,
		)
		if failErr != nil {
			return fmt.Errorf("record dispatch failure for job %s: %w", jobID, failErr)
		}
		metrics.RemediationJobsTotal.WithLabelValues(model.JobFailed).Inc()
		s.publishJob(ctx, jobID)
		return fmt.Errorf("dispatch fix for job %s: %w", jobID, err)
	}

	s.publishJob(ctx, jobID)
	return nil
}

// ReportResult applies the agent's outcome: running→{success, failed}.
// Duplicate deliveries affect zero rows and are ignored.
func (s *RemediationService) ReportResult(ctx context.Context, jobID string, result JobResult) error {
	var reason string
	if result.Status == model.JobFailed {
		reason = model.ReasonCommandFailed
	} else if result.Status != model.JobSuccess {
		return fmt.Errorf("report for job %s: unknown status %q: %w", jobID, result.Status, ErrInvalidTransition)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE remediation_jobs SET status = $1, reason_code = $2, error_message = $3, completed_at = now(), updated_at = now()
		 WHERE id = $4 AND status = $5`,
		result.Status, reason, result.ErrorMessage, jobID, model.JobRunning,
	)
	if err != nil {
		return fmt.Errorf("record result for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		metrics.RemediationJobsTotal.WithLabelValues(result.Status).Inc()
	}

	s.publishJob(ctx, jobID)
	return nil
}

// Retry requeues a failed job: failed→pending, attempt counter increments.
// Jobs without an approval requirement re-approve immediately.
func (s *RemediationService) Retry(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	next := model.JobApproved
	if job.RequiresApproval {
		next = model.JobPending
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE remediation_jobs SET status = $1, attempts = attempts + 1, reason_code = '', error_message = '',
		        started_at = NULL, completed_at = NULL, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		next, jobID, model.JobFailed,
	)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry job %s (status %s): %w", jobID, job.Status, ErrInvalidTransition)
	}

	s.publishJob(ctx, jobID)
	return nil
}

// Rollback reverts a failed job when the fix method supports it:
// failed→rolled_back, terminal.
func (s *RemediationService) Rollback(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	pkg, err := s.GetPackage(ctx, job.PackageID)
	if err != nil {
		return err
	}
	if !pkg.SupportsRollback() {
		return fmt.Errorf("rollback job %s: %w", jobID, ErrRollbackUnsupported)
	}

	cmd := FixCommand{JobID: jobID, Method: pkg.Method, Command: pkg.RollbackCommand, Rollback: true}
	if err := s.dispatcher.SendFix(ctx, job.NodeID, cmd); err != nil {
		_, recErr := s.db.Exec(ctx,
			`UPDATE remediation_jobs SET reason_code = $1, error_message = $2, updated_at = now() WHERE id = $3`,
			model.ReasonRollbackFailed, err.Error(), jobID,
		)
		if recErr != nil {
			return fmt.Errorf("record rollback failure for job %s: %w", jobID, recErr)
		}
		return fmt.Errorf("dispatch rollback for job %s: %w", jobID, err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE remediation_jobs SET status = $1, completed_at = now(), updated_at = now()
		 WHERE id = $2 AND status = $3`,
		model.JobRolledBack, jobID, model.JobFailed,
	)
	if err != nil {
		return fmt.Errorf("roll back job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rollback job %s (status %s): %w", jobID, job.Status, ErrInvalidTransition)
	}

	s.publishJob(ctx, jobID)
	return nil
}

const jobColumns = `id, node_id, cve_id, software, software_version, package_id, rule_id, status,
	requires_approval, attempts, reason_code, error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row interface{ Scan(dest ...any) error }) (model.RemediationJob, error) {
	var j model.RemediationJob
	err := row.Scan(&j.ID, &j.NodeID, &j.CVEID, &j.Software, &j.SoftwareVersion, &j.PackageID, &j.RuleID,
		&j.Status, &j.RequiresApproval, &j.Attempts, &j.ReasonCode, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (s *RemediationService) GetJob(ctx context.Context, id string) (*model.RemediationJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM remediation_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

func (s *RemediationService) ListJobs(ctx context.Context, status string) ([]model.RemediationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM remediation_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.RemediationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const packageColumns = `id, name, software_pattern, min_fixed_version, method, command, rollback_command, enabled, created_at, updated_at`

func scanRemediationPackage(row interface{ Scan(dest ...any) error }) (model.RemediationPackage, error) {
	var p model.RemediationPackage
	err := row.Scan(&p.ID, &p.Name, &p.SoftwarePattern, &p.MinFixedVersion, &p.Method, &p.Command,
		&p.RollbackCommand, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *RemediationService) GetPackage(ctx context.Context, id string) (*model.RemediationPackage, error) {
	row := s.db.QueryRow(ctx, `SELECT `+packageColumns+` FROM remediation_packages WHERE id = $1`, id)
	p, err := scanRemediationPackage(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get remediation package %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get remediation package %s: %w", id, err)
	}
	return &p, nil
}

func (s *RemediationService) ListPackages(ctx context.Context) ([]model.RemediationPackage, error) {
	rows, err := s.db.Query(ctx, `SELECT `+packageColumns+` FROM remediation_packages ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list remediation packages: %w", err)
	}
	defer rows.Close()

	var pkgs []model.RemediationPackage
	for rows.Next() {
		p, err := scanRemediationPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remediation package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

func (s *RemediationService) CreatePackage(ctx context.Context, p *model.RemediationPackage) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.Exec(ctx,
		`INSERT INTO remediation_packages (id, name, software_pattern, min_fixed_version, method, command, rollback_command, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		p.ID, p.Name, p.SoftwarePattern, p.MinFixedVersion, p.Method, p.Command, p.RollbackCommand, p.Enabled, now,
	)
	if err != nil {
		return fmt.Errorf("create remediation package %s: %w", p.Name, err)
	}
	return nil
}

func (s *RemediationService) SetPackageEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE remediation_packages SET enabled = $1, updated_at = now() WHERE id = $2`, enabled, id,
	)
	if err != nil {
		return fmt.Errorf("set enabled for remediation package %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remediation package %s: %w", id, ErrNotFound)
	}
	return nil
}

const ruleColumns = `id, name, min_severity, software_pattern, auto_remediate, require_approval, enabled, created_at, updated_at`

func scanRule(row interface{ Scan(dest ...any) error }) (model.RemediationRule, error) {
	var r model.RemediationRule
	err := row.Scan(&r.ID, &r.Name, &r.MinSeverity, &r.SoftwarePattern, &r.AutoRemediate,
		&r.RequireApproval, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *RemediationService) ListRules(ctx context.Context) ([]model.RemediationRule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+ruleColumns+` FROM remediation_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list remediation rules: %w", err)
	}
	defer rows.Close()

	var rules []model.RemediationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remediation rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *RemediationService) CreateRule(ctx context.Context, r *model.RemediationRule) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.db.Exec(ctx,
		`INSERT INTO remediation_rules (id, name, min_severity, software_pattern, auto_remediate, require_approval, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		r.ID, r.Name, r.MinSeverity, r.SoftwarePattern, r.AutoRemediate, r.RequireApproval, r.Enabled, now,
	)
	if err != nil {
		return fmt.Errorf("create remediation rule %s: %w", r.Name, err)
	}
	return nil
}

func (s *RemediationService) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE remediation_rules SET enabled = $1, updated_at = now() WHERE id = $2`, enabled, id,
	)
	if err != nil {
		return fmt.Errorf("set enabled for remediation rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remediation rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// Summary builds the dashboard read model.
func (s *RemediationService) Summary(ctx context.Context) (*model.RemediationSummary, error) {
	sum := &model.RemediationSummary{}

	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM remediation_jobs GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarize jobs: %w", err)
	}
	for rows.Next() {
		var sc model.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job status count: %w", err)
		}
		sum.JobsByStatus = append(sum.JobsByStatus, sc)
		if sc.Status == model.JobPending {
			sum.PendingApproval = sc.Count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job status counts: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM remediation_packages WHERE enabled),
			(SELECT COUNT(*) FROM remediation_rules WHERE enabled),
			(SELECT COUNT(*) FROM vulnerability_findings)`,
	).Scan(&sum.PackagesEnabled, &sum.RulesEnabled, &sum.OpenFindings)
	if err != nil {
		return nil, fmt.Errorf("summarize catalog: %w", err)
	}
	return sum, nil
}

func (s *RemediationService) publishJob(ctx context.Context, jobID string) {
	if s.bus == nil {
		return
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("skipping job event")
		return
	}
	s.bus.Publish(bus.Event{Topic: bus.TopicRemediation, Type: "job_update", Payload: job})
}
