package core

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

// Catalog is the YAML shape of the seed file: fix packages and remediation
// rules shipped with the product, loaded once at startup.
type Catalog struct {
	Packages []CatalogPackage `yaml:"packages"`
	Rules    []CatalogRule    `yaml:"rules"`
}

type CatalogPackage struct {
	Name            string `yaml:"name"`
	SoftwarePattern string `yaml:"software_pattern"`
	MinFixedVersion string `yaml:"min_fixed_version"`
	Method          string `yaml:"method"`
	Command         string `yaml:"command"`
	RollbackCommand string `yaml:"rollback_command"`
	Enabled         *bool  `yaml:"enabled"`
}

type CatalogRule struct {
	Name            string `yaml:"name"`
	MinSeverity     string `yaml:"min_severity"`
	SoftwarePattern string `yaml:"software_pattern"`
	AutoRemediate   bool   `yaml:"auto_remediate"`
	RequireApproval bool   `yaml:"require_approval"`
	Enabled         *bool  `yaml:"enabled"`
}

// LoadCatalog parses a catalog seed file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for _, p := range c.Packages {
		if p.Name == "" || p.Command == "" {
			return nil, fmt.Errorf("catalog %s: package %q missing name or command", path, p.Name)
		}
		if !model.FixMethodValid(p.Method) {
			return nil, fmt.Errorf("catalog %s: package %q has unknown method %q", path, p.Name, p.Method)
		}
	}
	for _, r := range c.Rules {
		if r.Name == "" || !model.SeverityAtLeast(r.MinSeverity, model.SeverityLow) {
			return nil, fmt.Errorf("catalog %s: rule %q missing name or valid min_severity", path, r.Name)
		}
	}
	return &c, nil
}

// SeedCatalog inserts catalog entries that are not present yet, keyed by
// name. Existing entries are left alone so operator edits survive restarts.
func (s *RemediationService) SeedCatalog(ctx context.Context, c *Catalog) error {
	seeded := 0
	for _, p := range c.Packages {
		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		tag, err := s.db.Exec(ctx,
			`INSERT INTO remediation_packages (id, name, software_pattern, min_fixed_version, method, command, rollback_command, enabled, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			 ON CONFLICT (name) DO NOTHING`,
			platform.NewID(), p.Name, p.SoftwarePattern, p.MinFixedVersion, p.Method, p.Command, p.RollbackCommand, enabled,
		)
		if err != nil {
			return fmt.Errorf("seed remediation package %s: %w", p.Name, err)
		}
		seeded += int(tag.RowsAffected())
	}
	for _, r := range c.Rules {
		enabled := true
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		tag, err := s.db.Exec(ctx,
			`INSERT INTO remediation_rules (id, name, min_severity, software_pattern, auto_remediate, require_approval, enabled, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			 ON CONFLICT (name) DO NOTHING`,
			platform.NewID(), r.Name, r.MinSeverity, r.SoftwarePattern, r.AutoRemediate, r.RequireApproval, enabled,
		)
		if err != nil {
			return fmt.Errorf("seed remediation rule %s: %w", r.Name, err)
		}
		seeded += int(tag.RowsAffected())
	}
	if seeded > 0 {
		s.logger.Info().Int("entries", seeded).Msg("seeded remediation catalog")
	}
	return nil
}

// SeedCatalogFile is LoadCatalog + SeedCatalog; a missing path is a no-op so
// deployments without a catalog file still start.
func (s *RemediationService) SeedCatalogFile(ctx context.Context, path string, logger zerolog.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warn().Str("path", path).Msg("remediation catalog file not found, skipping seed")
		return nil
	}
	c, err := LoadCatalog(path)
	if err != nil {
		return err
	}
	return s.SeedCatalog(ctx, c)
}
