package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/openclaw/octofleet/internal/core"
	"github.com/openclaw/octofleet/internal/model"
)

// slowListDB serves one active deployment id per sweep and blocks long enough
// for a second sweep to collide with the first.
type slowListDB struct {
	mu      sync.Mutex
	queries int
	block   time.Duration
}

type idRows struct {
	served bool
	id     string
}

func (r *idRows) Next() bool                                     { return !r.served }
func (r *idRows) Scan(dest ...any) error                         { r.served = true; *(dest[0].(*string)) = r.id; return nil }
func (r *idRows) Err() error                                     { return nil }
func (r *idRows) Close()                                         {}
func (r *idRows) CommandTag() pgconn.CommandTag                  { return pgconn.CommandTag{} }
func (r *idRows) FieldDescriptions() []pgconn.FieldDescription   { return nil }
func (r *idRows) RawValues() [][]byte                            { return nil }
func (r *idRows) Values() ([]any, error)                         { return nil, nil }
func (r *idRows) Conn() *pgx.Conn                                { return nil }

func (db *slowListDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	db.queries++
	db.mu.Unlock()
	time.Sleep(db.block)
	return &idRows{id: "dep-1"}, nil
}

func (db *slowListDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (db *slowListDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return completedDeploymentRow{}
}

// completedDeploymentRow makes DispatchEligible a no-op: the deployment is
// no longer active by the time the sweep reaches it.
type completedDeploymentRow struct{}

func (completedDeploymentRow) Scan(dest ...any) error {
	now := time.Now()
	*(dest[0].(*string)) = "dep-1"
	*(dest[1].(*string)) = "rollout"
	*(dest[2].(*string)) = "7zip"
	*(dest[3].(*string)) = "23.1.0"
	*(dest[4].(*string)) = model.TargetAll
	*(dest[5].(**string)) = nil
	*(dest[6].(*string)) = model.ModeRequired
	*(dest[7].(*string)) = model.DeploymentCompleted
	*(dest[8].(**time.Time)) = nil
	*(dest[9].(**time.Time)) = nil
	*(dest[10].(*bool)) = false
	*(dest[11].(*time.Time)) = now
	*(dest[12].(*time.Time)) = now
	return nil
}

func newTestSweeper(db *slowListDB) *Sweeper {
	nodes := core.NewNodeService(db, nil, nil)
	groups := core.NewGroupService(db, nodes)
	deployments := core.NewDeploymentService(db, groups, nil, nil, zerolog.Nop(), 2)
	return New(deployments, time.Minute, zerolog.Nop())
}

func TestSweeper_Sweep_VisitsActiveDeployments(t *testing.T) {
	db := &slowListDB{}
	s := newTestSweeper(db)

	s.Sweep(context.Background())

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Equal(t, 1, db.queries)
}

func TestSweeper_Sweep_RejectsOverlap(t *testing.T) {
	db := &slowListDB{block: 50 * time.Millisecond}
	s := newTestSweeper(db)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Sweep(context.Background())
		}()
	}
	wg.Wait()

	// Exactly one sweep ran; the overlapping calls bailed on the guard.
	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Equal(t, 1, db.queries)
}

func TestSweeper_Run_StopsOnContextCancel(t *testing.T) {
	db := &slowListDB{}
	s := New(newTestSweeper(db).deployments, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
