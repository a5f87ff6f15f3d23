// Package query parses list filters and applies filtering, ordering and pagination.
package query

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	SortByCreatedAt = "created_at"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// Filter selects, orders and pages jobs.
type Filter struct {
	Status       models.Status
	OwnerID      string
	VoiceModelID string
	TextSearch   string
	Limit        int
	Offset       int
	SortBy       string
	SortOrder    string
	IncludeText  bool
}

// DefaultFilter returns a filter matching every job, newest first.
func DefaultFilter() Filter {
	return Filter{
		Limit:     DefaultLimit,
		SortBy:    SortByCreatedAt,
		SortOrder: SortDesc,
	}
}

// ParseFilter reads a filter from query parameters. Malformed values are validation errors;
// a limit or offset outside the usable range is accepted and yields an empty page.
func ParseFilter(v url.Values) (Filter, error) {
	f := DefaultFilter()

	if s := v.Get("status"); s != "" {
		status, ok := models.ParseStatus(s)
		if !ok {
			return f, &models.ValidationError{Field: "status", Reason: "unknown status " + strconv.Quote(s)}
		}
		f.Status = status
	}

	f.OwnerID = strings.TrimSpace(v.Get("owner_id"))
	f.VoiceModelID = strings.TrimSpace(v.Get("voice_model_id"))
	f.TextSearch = strings.TrimSpace(v.Get("text_search"))

	var err error
	if f.Limit, err = intParam(v, "limit", DefaultLimit); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(v, "offset", 0); err != nil {
		return f, err
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}

	if s := v.Get("sort_by"); s != "" {
		if s != SortByCreatedAt {
			return f, &models.ValidationError{Field: "sort_by", Reason: "must be created_at"}
		}
		f.SortBy = s
	}
	if s := strings.ToLower(v.Get("sort_order")); s != "" {
		if s != SortAsc && s != SortDesc {
			return f, &models.ValidationError{Field: "sort_order", Reason: "must be asc or desc"}
		}
		f.SortOrder = s
	}

	if s := v.Get("include_text"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, &models.ValidationError{Field: "include_text", Reason: "must be a boolean"}
		}
		f.IncludeText = b
	}

	return f, nil
}

func intParam(v url.Values, name string, def int) (int, error) {
	s := v.Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &models.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

// EmptyPage reports whether limit/offset are out of range, in which case no rows are
// returned but the total is still computed.
func (f Filter) EmptyPage() bool {
	return f.Limit <= 0 || f.Offset < 0
}

// Descending reports whether results are ordered newest first.
func (f Filter) Descending() bool {
	return f.SortOrder != SortAsc
}

// Matches reports whether the job passes every predicate of the filter.
func (f Filter) Matches(job *models.Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && job.OwnerID != f.OwnerID {
		return false
	}
	if f.VoiceModelID != "" && job.VoiceModelID != f.VoiceModelID {
		return false
	}
	if f.TextSearch != "" && !strings.Contains(strings.ToLower(job.TextContent), strings.ToLower(f.TextSearch)) {
		return false
	}
	return true
}

// Compare orders two jobs by created_at in the filter's direction, breaking ties by id
// ascending so the order is stable for a fixed filter.
func (f Filter) Compare(a, b *models.Job) int {
	c := a.CreatedAt.Compare(b.CreatedAt)
	if f.Descending() {
		c = -c
	}
	if c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Apply filters, sorts and pages jobs in memory. It returns the page and the size of the
// filtered set.
func Apply(jobs []*models.Job, f Filter) ([]*models.Job, int) {
	matched := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if f.Matches(job) {
			matched = append(matched, job)
		}
	}

	total := len(matched)
	if f.EmptyPage() || f.Offset >= total {
		return []*models.Job{}, total
	}

	slices.SortFunc(matched, f.Compare)

	end := min(f.Offset+f.Limit, total)
	return matched[f.Offset:end], total
}

// Pagination is the page metadata returned alongside a list.
type Pagination struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// NewPagination builds page metadata for a page of returned rows out of total.
func NewPagination(f Filter, returned, total int) Pagination {
	return Pagination{
		TotalCount: total,
		Limit:      f.Limit,
		Offset:     f.Offset,
		HasMore:    f.Offset+returned < total,
	}
}
