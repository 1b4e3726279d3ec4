package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openclaw/octofleet/internal/api/request"
	"github.com/openclaw/octofleet/internal/api/response"
	"github.com/openclaw/octofleet/internal/core"
)

// AuditLog is one recorded mutating API call.
type AuditLog struct {
	ID           string          `json:"id"`
	Subject      *string         `json:"subject,omitempty"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	ResourceType *string         `json:"resource_type,omitempty"`
	ResourceID   *string         `json:"resource_id,omitempty"`
	StatusCode   int             `json:"status_code"`
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Audit struct {
	db core.DB
}

func NewAudit(db core.DB) *Audit {
	return &Audit{db: db}
}

// List returns audit entries, newest first, with optional resource_type,
// action (HTTP method) and date range filters.
func (h *Audit) List(w http.ResponseWriter, r *http.Request) {
	params := request.ParseListParams(r, "created_at")

	resourceType := r.URL.Query().Get("resource_type")
	action := r.URL.Query().Get("action")
	dateFrom := r.URL.Query().Get("date_from")
	dateTo := r.URL.Query().Get("date_to")

	query := `SELECT id, subject, method, path, resource_type, resource_id, status_code, request_body, created_at
              FROM audit_logs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if params.Search != "" {
		query += fmt.Sprintf(` AND (resource_type ILIKE $%d OR method ILIKE $%d)`, argIdx, argIdx+1)
		args = append(args, "%"+params.Search+"%", "%"+params.Search+"%")
		argIdx += 2
	}
	if resourceType != "" {
		query += fmt.Sprintf(` AND resource_type = $%d`, argIdx)
		args = append(args, resourceType)
		argIdx++
	}
	if action != "" {
		query += fmt.Sprintf(` AND method = $%d`, argIdx)
		args = append(args, action)
		argIdx++
	}
	if dateFrom != "" {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, dateFrom)
		argIdx++
	}
	if dateTo != "" {
		query += fmt.Sprintf(` AND created_at <= $%d`, argIdx)
		args = append(args, dateTo)
		argIdx++
	}

	if params.Cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, params.Cursor)
		argIdx++
	}

	order := "DESC"
	if params.Order == "asc" {
		order = "ASC"
	}
	query += ` ORDER BY created_at ` + order
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, params.Limit+1)

	rows, err := h.db.Query(r.Context(), query, args...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.Subject, &l.Method, &l.Path, &l.ResourceType, &l.ResourceID, &l.StatusCode, &l.RequestBody, &l.CreatedAt); err != nil {
			writeServiceError(w, err)
			return
		}
		logs = append(logs, l)
	}

	hasMore := len(logs) > params.Limit
	if hasMore {
		logs = logs[:params.Limit]
	}
	var nextCursor string
	if hasMore && len(logs) > 0 {
		nextCursor = logs[len(logs)-1].ID
	}

	response.WritePaginated(w, http.StatusOK, logs, nextCursor, hasMore)
}
