package core

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

// FindingStore persists vulnerability findings reported by agent scans and
// serves them to the remediation pipeline.
type FindingStore struct {
	db DB
}

func NewFindingStore(db DB) *FindingStore {
	return &FindingStore{db: db}
}

// Ingest upserts a batch of findings for one node. A re-reported
// (node, CVE, software) triple refreshes the version, severity and detection
// time instead of duplicating the row.
func (s *FindingStore) Ingest(ctx context.Context, nodeID string, findings []model.VulnerabilityFinding) error {
	for i := range findings {
		f := &findings[i]
		detected := f.DetectedAt
		if detected.IsZero() {
			detected = time.Now()
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO vulnerability_findings (id, node_id, cve_id, software, software_version, severity, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (node_id, cve_id, software) DO UPDATE SET
				software_version = EXCLUDED.software_version,
				severity = EXCLUDED.severity,
				detected_at = EXCLUDED.detected_at`,
			platform.NewID(), nodeID, f.CVEID, f.Software, f.SoftwareVersion, f.Severity, detected,
		)
		if err != nil {
			return fmt.Errorf("ingest finding %s for node %s: %w", f.CVEID, nodeID, err)
		}
	}
	return nil
}

// ListFindings returns all findings, optionally filtered to the given
// severities. Implements FindingSource.
func (s *FindingStore) ListFindings(ctx context.Context, severities []string) ([]model.VulnerabilityFinding, error) {
	query := `SELECT id, node_id, cve_id, software, software_version, severity, detected_at
		FROM vulnerability_findings`
	args := []any{}
	if len(severities) > 0 {
		query += ` WHERE severity = ANY($1)`
		args = append(args, severities)
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var findings []model.VulnerabilityFinding
	for rows.Next() {
		var f model.VulnerabilityFinding
		if err := rows.Scan(&f.ID, &f.NodeID, &f.CVEID, &f.Software, &f.SoftwareVersion, &f.Severity, &f.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// DeleteForNode drops a retired node's findings.
func (s *FindingStore) DeleteForNode(ctx context.Context, nodeID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM vulnerability_findings WHERE node_id = $1`, nodeID); err != nil {
		return fmt.Errorf("delete findings for node %s: %w", nodeID, err)
	}
	return nil
}
