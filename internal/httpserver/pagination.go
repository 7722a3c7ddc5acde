package httpserver

import (
	"net/http"
	"strconv"
)

const (
	// DefaultPageSize is the default number of items per page.
	DefaultPageSize = 50
	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 100
)

// PageParams holds parsed limit/offset query parameters.
type PageParams struct {
	Limit  int
	Offset int
}

// ParsePageParams extracts limit/offset pagination parameters from the
// request, clamping the limit to MaxPageSize.
func ParsePageParams(r *http.Request) PageParams {
	p := PageParams{Limit: DefaultPageSize}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Limit = min(n, MaxPageSize)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Offset = n
		}
	}

	return p
}
