package core

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow database surface the services depend on. Satisfied by
// *pgxpool.Pool in production and mocked in tests.
//
// State transitions are expressed as conditional UPDATEs whose WHERE clause
// names the expected current state; callers check RowsAffected to learn
// whether the transition applied. Postgres row locking serializes concurrent
// transitions on the same row, which is the per-entity mutual exclusion
// discipline the orchestrator relies on.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
