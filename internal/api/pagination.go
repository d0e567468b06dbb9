package api

import (
	"net/http"

	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

// Page is a parsed ?page=&limit= pair.
type Page struct {
	Number int
	Limit  int
}

// Offset returns the row offset of the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Limit }

// PaginatedResponse wraps list data with pagination metadata.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// PaginationMeta contains pagination metadata for the response.
type PaginationMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

// parsePage reads page (from 1) and limit (capped at maxLimit).
func parsePage(r *http.Request, defaultLimit, maxLimit int) Page {
	return Page{
		Number: httputil.QueryInt(r, "page", 1, 1, 1<<20),
		Limit:  httputil.QueryInt(r, "limit", defaultLimit, 1, maxLimit),
	}
}

func paginated(data interface{}, p Page, total int) PaginatedResponse {
	pages := (total + p.Limit - 1) / p.Limit
	if pages < 1 {
		pages = 1
	}
	return PaginatedResponse{
		Data: data,
		Pagination: PaginationMeta{
			Page:       p.Number,
			Limit:      p.Limit,
			Total:      total,
			TotalPages: pages,
			HasMore:    p.Number < pages,
		},
	}
}
