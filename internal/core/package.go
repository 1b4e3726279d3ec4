package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openclaw/octofleet/internal/api/request"
	"github.com/openclaw/octofleet/internal/model"
	"github.com/openclaw/octofleet/internal/platform"
)

// PackageService manages the registry of deployable software packages.
type PackageService struct {
	db DB
}

func NewPackageService(db DB) *PackageService {
	return &PackageService{db: db}
}

const packageRegistryColumns = `id, name, version, source_url, checksum, active, created_at, updated_at`

func scanPackage(row interface{ Scan(dest ...any) error }) (model.Package, error) {
	var p model.Package
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.SourceURL, &p.Checksum, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Register adds a package version. The (name, version) pair is unique; the
// version must be a valid semantic version.
func (s *PackageService) Register(ctx context.Context, p *model.Package) error {
	if canonicalVersion(p.Version) == "" {
		return fmt.Errorf("register package %s version %q: %w", p.Name, p.Version, ErrInvalidVersion)
	}
	p.ID = platform.NewID()
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Active = true

	_, err := s.db.Exec(ctx,
		`INSERT INTO packages (id, name, version, source_url, checksum, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, true, $6, $6)`,
		p.ID, p.Name, p.Version, p.SourceURL, p.Checksum, now,
	)
	if err != nil {
		return fmt.Errorf("register package %s@%s: %w", p.Name, p.Version, err)
	}
	return nil
}

func (s *PackageService) GetByID(ctx context.Context, id string) (*model.Package, error) {
	row := s.db.QueryRow(ctx, `SELECT `+packageRegistryColumns+` FROM packages WHERE id = $1`, id)
	p, err := scanPackage(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get package %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get package %s: %w", id, err)
	}
	return &p, nil
}

func (s *PackageService) List(ctx context.Context, params request.ListParams) ([]model.Package, bool, error) {
	query := `SELECT ` + packageRegistryColumns + ` FROM packages WHERE 1=1`
	args := []any{}
	argIdx := 1

	if params.Cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, params.Cursor)
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY name, version LIMIT $%d`, argIdx)
	args = append(args, params.Limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var pkgs []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate packages: %w", err)
	}

	hasMore := len(pkgs) > params.Limit
	if hasMore {
		pkgs = pkgs[:params.Limit]
	}
	return pkgs, hasMore, nil
}

// Deactivate retires a package version; existing deployments keep their
// snapshot, new deployments can no longer reference it.
func (s *PackageService) Deactivate(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE packages SET active = false, updated_at = now() WHERE id = $1 AND active`, id,
	)
	if err != nil {
		return fmt.Errorf("deactivate package %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("package %s not found or already inactive", id)
	}
	return nil
}
