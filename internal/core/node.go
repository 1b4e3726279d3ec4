package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openclaw/octofleet/internal/api/request"
	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/model"
)

// NodeService is the fleet registry. Reads are unrestricted and concurrent;
// writes (heartbeats, online flips) touch a single node row each.
type NodeService struct {
	db       DB
	bus      *bus.Bus
	findings *FindingStore
}

func NewNodeService(db DB, b *bus.Bus, findings *FindingStore) *NodeService {
	return &NodeService{db: db, bus: b, findings: findings}
}

// Enroll registers a node on first agent connection, or refreshes its
// attributes on reconnect. Enrollment marks the node online.
func (s *NodeService) Enroll(ctx context.Context, node *model.Node) error {
	now := time.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO nodes (id, hostname, os, os_version, arch, agent_version, tags, online, status, last_seen_at, enrolled_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9, $9, $9)
		 ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			os = EXCLUDED.os,
			os_version = EXCLUDED.os_version,
			arch = EXCLUDED.arch,
			agent_version = EXCLUDED.agent_version,
			tags = EXCLUDED.tags,
			online = true,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at`,
		node.ID, node.Hostname, node.OS, node.OSVersion, node.Arch,
		node.AgentVersion, node.Tags, model.NodeStatusActive, now,
	)
	if err != nil {
		return fmt.Errorf("enroll node %s: %w", node.ID, err)
	}

	node.Online = true
	node.Status = model.NodeStatusActive
	node.LastSeenAt = &now
	s.publish("node_online", node.ID)
	return nil
}

// Heartbeat records agent liveness and keeps the online flag fresh.
func (s *NodeService) Heartbeat(ctx context.Context, hb *model.Heartbeat) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE nodes SET online = true, agent_version = $1, last_seen_at = $2, updated_at = $2 WHERE id = $3`,
		hb.AgentVersion, hb.ReportedAt, hb.NodeID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat for node %s: %w", hb.NodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat for node %s: %w", hb.NodeID, ErrNotFound)
	}
	return nil
}

// SetOnline flips a node's online flag, typically on agent channel close.
func (s *NodeService) SetOnline(ctx context.Context, nodeID string, online bool) error {
	_, err := s.db.Exec(ctx,
		`UPDATE nodes SET online = $1, updated_at = now() WHERE id = $2`, online, nodeID,
	)
	if err != nil {
		return fmt.Errorf("set online=%t for node %s: %w", online, nodeID, err)
	}
	if online {
		s.publish("node_online", nodeID)
	} else {
		s.publish("node_offline", nodeID)
	}
	return nil
}

// MarkStaleOffline flips nodes whose last heartbeat predates the cutoff and
// returns the affected node ids. Run by the heartbeat timeout monitor.
func (s *NodeService) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE nodes SET online = false, updated_at = now()
		 WHERE online = true AND (last_seen_at IS NULL OR last_seen_at < $1)
		 RETURNING id`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("mark stale nodes offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale node ids: %w", err)
	}

	for _, id := range ids {
		s.publish("node_offline", id)
	}
	return ids, nil
}

const nodeColumns = `id, hostname, os, os_version, arch, agent_version, tags, online, status, last_seen_at, enrolled_at, updated_at`

func scanNode(row interface{ Scan(dest ...any) error }) (model.Node, error) {
	var n model.Node
	err := row.Scan(&n.ID, &n.Hostname, &n.OS, &n.OSVersion, &n.Arch,
		&n.AgentVersion, &n.Tags, &n.Online, &n.Status, &n.LastSeenAt,
		&n.EnrolledAt, &n.UpdatedAt)
	return n, err
}

func (s *NodeService) GetByID(ctx context.Context, id string) (*model.Node, error) {
	row := s.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("get node %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &n, nil
}

func (s *NodeService) List(ctx context.Context, params request.ListParams) ([]model.Node, bool, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE status != 'retired'`
	args := []any{}
	argIdx := 1

	if params.Search != "" {
		query += fmt.Sprintf(` AND hostname ILIKE $%d`, argIdx)
		args = append(args, "%"+params.Search+"%")
		argIdx++
	}
	if params.Status == "online" {
		query += ` AND online = true`
	} else if params.Status == "offline" {
		query += ` AND online = false`
	}
	if params.Cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, params.Cursor)
		argIdx++
	}

	query += ` ORDER BY id`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, params.Limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate nodes: %w", err)
	}

	hasMore := len(nodes) > params.Limit
	if hasMore {
		nodes = nodes[:params.Limit]
	}
	return nodes, hasMore, nil
}

// ListActive returns every non-retired node. Used by the group resolver.
func (s *NodeService) ListActive(ctx context.Context) ([]model.Node, error) {
	rows, err := s.db.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE status != 'retired' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Retire soft-deletes a node. Deployment history rows keep referencing it, so
// the row itself is never removed, but its vulnerability findings are dropped:
// a retired node is not scanned again and stale findings would keep feeding
// the remediation summary.
func (s *NodeService) Retire(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE nodes SET status = $1, online = false, updated_at = now() WHERE id = $2 AND status = $3`,
		model.NodeStatusRetired, id, model.NodeStatusActive,
	)
	if err != nil {
		return fmt.Errorf("retire node %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retire node %s: %w", id, ErrInvalidTransition)
	}
	if s.findings != nil {
		if err := s.findings.DeleteForNode(ctx, id); err != nil {
			return err
		}
	}
	s.publish("node_retired", id)
	return nil
}

func (s *NodeService) publish(eventType, nodeID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Topic: bus.TopicNodes, Type: eventType, Payload: map[string]string{"node_id": nodeID}})
}
