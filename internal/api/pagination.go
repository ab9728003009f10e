package api

import (
	"net/http"
	"strconv"

	fherrs "github.com/jdholdren/feedhook/internal/errors"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// page is the window a list request asked for, echoed back with the list.
type page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	// Set when the list came back full, so there may be more after it.
	NextOffset *int `json:"next_offset,omitempty"`
}

// pageFromQuery reads ?limit= and ?offset=. A missing limit takes the
// default and a large one is capped; anything that is not a number is
// rejected.
func pageFromQuery(r *http.Request) (page, error) {
	var (
		q       = r.URL.Query()
		p       = page{Limit: defaultPageLimit}
		details []fherrs.Detail
	)

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			details = append(details, fherrs.Detail{Field: "limit", Error: "must be a positive integer"})
		}
		p.Limit = min(n, maxPageLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			details = append(details, fherrs.Detail{Field: "offset", Error: "must be a non-negative integer"})
		}
		p.Offset = n
	}

	if len(details) > 0 {
		return page{}, fherrs.E(http.StatusBadRequest, "invalid pagination", details)
	}

	return p, nil
}

// filled returns the page as served with n results.
func (p page) filled(n int) page {
	if n >= p.Limit {
		next := p.Offset + n
		p.NextOffset = &next
	}

	return p
}
