package model

import "time"

// Remediation job status constants.
const (
	JobPending    = "pending"
	JobApproved   = "approved"
	JobRunning    = "running"
	JobSuccess    = "success"
	JobFailed     = "failed"
	JobRolledBack = "rolled_back"
	JobSkipped    = "skipped"
)

// Fix methods supported by remediation packages.
const (
	FixMethodWinget  = "winget"
	FixMethodChoco   = "choco"
	FixMethodPackage = "package"
	FixMethodScript  = "script"
)

// FixMethodValid reports whether method is one the agent knows how to apply.
func FixMethodValid(method string) bool {
	switch method {
	case FixMethodWinget, FixMethodChoco, FixMethodPackage, FixMethodScript:
		return true
	}
	return false
}

// Reason codes recorded on jobs that fail before dispatch. These failures
// are never retried automatically; retry is operator- or rule-driven.
const (
	ReasonNodeOffline    = "node_offline"
	ReasonChannelClosed  = "agent_channel_closed"
	ReasonCommandFailed  = "command_failed"
	ReasonRollbackFailed = "rollback_failed"
)

// Severity levels, in ascending order.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityAtLeast reports whether severity meets or exceeds min.
// Unknown severities never match.
func SeverityAtLeast(severity, min string) bool {
	s, ok := severityRank[severity]
	if !ok {
		return false
	}
	m, ok := severityRank[min]
	if !ok {
		return false
	}
	return s >= m
}

// VulnerabilityFinding is one scan-detected vulnerable software instance on
// one node, as reported by the external vulnerability data source.
type VulnerabilityFinding struct {
	ID              string    `json:"id" db:"id"`
	NodeID          string    `json:"node_id" db:"node_id"`
	CVEID           string    `json:"cve_id" db:"cve_id"`
	Software        string    `json:"software" db:"software"`
	SoftwareVersion string    `json:"software_version" db:"software_version"`
	Severity        string    `json:"severity" db:"severity"`
	DetectedAt      time.Time `json:"detected_at" db:"detected_at"`
}

// RemediationPackage is an admin-managed definition of how to fix a class of
// vulnerable software.
type RemediationPackage struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	SoftwarePattern string    `json:"software_pattern" db:"software_pattern"`
	MinFixedVersion string    `json:"min_fixed_version" db:"min_fixed_version"`
	Method          string    `json:"method" db:"method"`
	Command         string    `json:"command" db:"command"`
	RollbackCommand string    `json:"rollback_command,omitempty" db:"rollback_command"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SupportsRollback reports whether a failed fix applied with this package can
// be rolled back.
func (p *RemediationPackage) SupportsRollback() bool {
	return p.RollbackCommand != ""
}

// RemediationRule is a policy deciding whether a finding should generate a job.
type RemediationRule struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	MinSeverity     string    `json:"min_severity" db:"min_severity"`
	SoftwarePattern string    `json:"software_pattern,omitempty" db:"software_pattern"`
	AutoRemediate   bool      `json:"auto_remediate" db:"auto_remediate"`
	RequireApproval bool      `json:"require_approval" db:"require_approval"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// RemediationJob is one unit of work fixing one vulnerability finding on one node.
type RemediationJob struct {
	ID               string     `json:"id" db:"id"`
	NodeID           string     `json:"node_id" db:"node_id"`
	CVEID            string     `json:"cve_id" db:"cve_id"`
	Software         string     `json:"software" db:"software"`
	SoftwareVersion  string     `json:"software_version" db:"software_version"`
	PackageID        string     `json:"package_id" db:"package_id"`
	RuleID           *string    `json:"rule_id,omitempty" db:"rule_id"`
	Status           string     `json:"status" db:"status"`
	RequiresApproval bool       `json:"requires_approval" db:"requires_approval"`
	Attempts         int        `json:"attempts" db:"attempts"`
	ReasonCode       string     `json:"reason_code,omitempty" db:"reason_code"`
	ErrorMessage     string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// JobTerminal reports whether a job status is terminal. A failed job is not
// terminal: it may be retried or rolled back by an operator.
func JobTerminal(status string) bool {
	return status == JobSuccess || status == JobRolledBack || status == JobSkipped
}

// ScanResult summarizes one remediation scan pass.
type ScanResult struct {
	Scanned             int  `json:"scanned"`
	WithFixAvailable    int  `json:"with_fix_available"`
	JobsCreated         int  `json:"jobs_created"`
	JobsSkippedExisting int  `json:"jobs_skipped_existing"`
	DryRun              bool `json:"dry_run"`
}

// RemediationSummary is the dashboard read model.
type RemediationSummary struct {
	JobsByStatus    []StatusCount `json:"jobs_by_status"`
	PendingApproval int           `json:"pending_approval"`
	PackagesEnabled int           `json:"packages_enabled"`
	RulesEnabled    int           `json:"rules_enabled"`
	OpenFindings    int           `json:"open_findings"`
}

// StatusCount is a (status, count) aggregate row.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
