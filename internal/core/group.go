package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openclaw/octofleet/internal/model"
)

// GroupService resolves static and dynamic node groupings. A dynamic group's
// membership is always recomputed from its rule; nothing authoritative is
// ever stored for it.
type GroupService struct {
	db    DB
	nodes *NodeService
}

func NewGroupService(db DB, nodes *NodeService) *GroupService {
	return &GroupService{db: db, nodes: nodes}
}

const groupColumns = `id, name, dynamic, rule, members, created_at, updated_at`

func scanGroup(row interface{ Scan(dest ...any) error }) (model.Group, error) {
	var g model.Group
	var ruleJSON []byte
	err := row.Scan(&g.ID, &g.Name, &g.Dynamic, &ruleJSON, &g.Members, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return g, err
	}
	if len(ruleJSON) > 0 {
		if err := json.Unmarshal(ruleJSON, &g.Rule); err != nil {
			return g, fmt.Errorf("decode group rule: %w", err)
		}
	}
	return g, nil
}

func (s *GroupService) Create(ctx context.Context, group *model.Group) error {
	ruleJSON, err := json.Marshal(group.Rule)
	if err != nil {
		return fmt.Errorf("encode group rule: %w", err)
	}

	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	_, err = s.db.Exec(ctx,
		`INSERT INTO groups (id, name, dynamic, rule, members, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		group.ID, group.Name, group.Dynamic, ruleJSON, group.Members, now, now,
	)
	if err != nil {
		return fmt.Errorf("create group %s: %w", group.Name, err)
	}
	return nil
}

func (s *GroupService) GetByID(ctx context.Context, id string) (*model.Group, error) {
	row := s.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get group %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	return &g, nil
}

func (s *GroupService) List(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.Query(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *GroupService) Update(ctx context.Context, group *model.Group) error {
	ruleJSON, err := json.Marshal(group.Rule)
	if err != nil {
		return fmt.Errorf("encode group rule: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE groups SET name = $1, dynamic = $2, rule = $3, members = $4, updated_at = now() WHERE id = $5`,
		group.Name, group.Dynamic, ruleJSON, group.Members, group.ID,
	)
	if err != nil {
		return fmt.Errorf("update group %s: %w", group.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update group %s: %w", group.ID, ErrNotFound)
	}
	return nil
}

func (s *GroupService) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	return nil
}

// Members evaluates current membership for display. Dynamic groups run their
// predicate against the live registry; static groups return nodes that still
// exist from their member list.
func (s *GroupService) Members(ctx context.Context, id string) ([]model.Node, error) {
	group, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	nodes, err := s.nodes.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if group.Dynamic {
		var members []model.Node
		for i := range nodes {
			if model.RuleMatches(group.Rule, &nodes[i]) {
				members = append(members, nodes[i])
			}
		}
		return members, nil
	}

	wanted := make(map[string]struct{}, len(group.Members))
	for _, id := range group.Members {
		wanted[id] = struct{}{}
	}
	var members []model.Node
	for i := range nodes {
		if _, ok := wanted[nodes[i].ID]; ok {
			members = append(members, nodes[i])
		}
	}
	return members, nil
}

// ResolveSelector materializes a deployment target selector into a concrete
// node-id set at call time. The result is a snapshot: later group membership
// changes do not affect it.
func (s *GroupService) ResolveSelector(ctx context.Context, targetType string, targetID *string) ([]string, error) {
	switch targetType {
	case model.TargetNode:
		if targetID == nil {
			return nil, fmt.Errorf("resolve selector: %w", ErrEmptyTarget)
		}
		if _, err := s.nodes.GetByID(ctx, *targetID); err != nil {
			return nil, err
		}
		return []string{*targetID}, nil

	case model.TargetGroup:
		if targetID == nil {
			return nil, fmt.Errorf("resolve selector: %w", ErrEmptyTarget)
		}
		members, err := s.Members(ctx, *targetID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(members))
		for _, n := range members {
			ids = append(ids, n.ID)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("resolve group %s: %w", *targetID, ErrEmptyTarget)
		}
		return ids, nil

	case model.TargetAll:
		nodes, err := s.nodes.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("resolve fleet: %w", ErrEmptyTarget)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("resolve selector: unknown target type %q", targetType)
}
