package request

import (
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Pagination holds parsed cursor pagination parameters.
type Pagination struct {
	Limit  int
	Cursor string
}

// ParsePagination extracts limit and cursor from query parameters.
func ParsePagination(r *http.Request) Pagination {
	p := Pagination{
		Limit:  DefaultLimit,
		Cursor: r.URL.Query().Get("cursor"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			p.Limit = limit
		}
	}

	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	return p
}

// ListParams holds pagination, search, filter, and sort parameters for
// collection endpoints.
type ListParams struct {
	Limit  int
	Cursor string
	Search string
	Status string
	Sort   string
	Order  string // "asc" or "desc"
}

// ParseListParams extracts list parameters from the query string.
// defaultSort names the field to sort by when none is provided.
func ParseListParams(r *http.Request, defaultSort string) ListParams {
	pg := ParsePagination(r)
	order := stringOr(r.URL.Query().Get("order"), "desc")
	if order != "asc" && order != "desc" {
		order = "desc"
	}
	return ListParams{
		Limit:  pg.Limit,
		Cursor: pg.Cursor,
		Search: r.URL.Query().Get("search"),
		Status: r.URL.Query().Get("status"),
		Sort:   stringOr(r.URL.Query().Get("sort"), defaultSort),
		Order:  order,
	}
}

func stringOr(val, fallback string) string {
	if val != "" {
		return val
	}
	return fallback
}
