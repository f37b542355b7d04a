package flowlog

import (
	"cmp"
	"slices"
	"strings"
)

// Sort fields.
const (
	SortTimestamp   = "timestamp"
	SortID          = "id"
	SortSrcIP       = "src_ip"
	SortDstIP       = "dst_ip"
	SortProtocol    = "protocol"
	SortPort        = "port"
	SortDomain      = "domain"
	SortRequestType = "request_type"
)

// Sort orders.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

const (
	// DefaultPerPage is the page size when none is given.
	DefaultPerPage = 50
	// MaxPerPage caps the page size.
	MaxPerPage = 1000
)

// Query selects, orders and pages flows. Zero fields do not filter.
type Query struct {
	SrcIP       string
	DstIP       string
	IP          string // matches source or destination
	Protocol    string // case-insensitive
	RequestType string
	BlockedOnly bool
	URL         string // substring of domain, url or full_url
	Search      string // substring of src_ip, dst_ip, domain, url or full_url

	SortBy  string // default timestamp; unknown fields keep insertion order
	Order   string // "asc" or "desc", default desc
	Page    int    // 1-based, default 1
	PerPage int    // default 50, at most MaxPerPage
}

// Facets lists the distinct values present in the whole log, for
// building filter choices.
type Facets struct {
	IPs       []string `json:"ips"`
	Protocols []string `json:"protocols"`
	Types     []string `json:"types"`
}

// Page is one page of query results.
type Page struct {
	Flows      []Flow `json:"logs"`
	Total      int    `json:"total"`
	Filtered   int    `json:"filtered"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	TotalPages int    `json:"total_pages"`
	Facets     Facets `json:"filters"`
}

// Query runs q against a snapshot of the store.
func (s *Store) Query(q Query) Page {
	all := s.Snapshot()

	matched := make([]Flow, 0, len(all))
	m := newMatcher(q)
	for _, f := range all {
		if m.match(f) {
			matched = append(matched, f)
		}
	}
	sortFlows(matched, q.SortBy, q.Order)

	page, perPage := q.Page, q.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)
	totalPages := 1
	if len(matched) > 0 {
		totalPages = (len(matched) + perPage - 1) / perPage
	}

	// page is bounded by totalPages before multiplying
	flows := []Flow{}
	if page <= totalPages {
		start := (page - 1) * perPage
		if start < len(matched) {
			flows = matched[start:min(start+perPage, len(matched))]
		}
	}

	return Page{
		Flows:      flows,
		Total:      len(all),
		Filtered:   len(matched),
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
		Facets:     facets(all),
	}
}

type matcher struct {
	q      Query
	url    string
	search string
}

func newMatcher(q Query) matcher {
	return matcher{
		q:      q,
		url:    strings.ToLower(q.URL),
		search: strings.ToLower(q.Search),
	}
}

func (m matcher) match(f Flow) bool {
	src, dst := f.SrcIP.String(), f.DstIP.String()
	switch {
	case m.q.SrcIP != "" && src != m.q.SrcIP:
		return false
	case m.q.DstIP != "" && dst != m.q.DstIP:
		return false
	case m.q.IP != "" && src != m.q.IP && dst != m.q.IP:
		return false
	case m.q.Protocol != "" && !strings.EqualFold(f.Protocol, m.q.Protocol):
		return false
	case m.q.RequestType != "" && f.RequestType != m.q.RequestType:
		return false
	case m.q.BlockedOnly && !f.Blocked:
		return false
	}
	if m.url != "" && !containsAny(m.url, f.Domain, f.URL, f.FullURL) {
		return false
	}
	if m.search != "" && !containsAny(m.search, src, dst, f.Domain, f.URL, f.FullURL) {
		return false
	}
	return true
}

func containsAny(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func compareBy(field string) func(a, b Flow) int {
	switch field {
	case "", SortTimestamp:
		return func(a, b Flow) int { return a.Timestamp.Compare(b.Timestamp) }
	case SortID:
		return func(a, b Flow) int { return cmp.Compare(a.ID, b.ID) }
	case SortSrcIP:
		return func(a, b Flow) int { return a.SrcIP.Compare(b.SrcIP) }
	case SortDstIP:
		return func(a, b Flow) int { return a.DstIP.Compare(b.DstIP) }
	case SortProtocol:
		return func(a, b Flow) int { return cmp.Compare(a.Protocol, b.Protocol) }
	case SortPort:
		return func(a, b Flow) int { return cmp.Compare(a.Port, b.Port) }
	case SortDomain:
		return func(a, b Flow) int { return cmp.Compare(a.Domain, b.Domain) }
	case SortRequestType:
		return func(a, b Flow) int { return cmp.Compare(a.RequestType, b.RequestType) }
	}
	return nil
}

// sortFlows sorts stably; ties keep insertion order in both directions.
func sortFlows(flows []Flow, field, order string) {
	compare := compareBy(field)
	if compare == nil {
		return
	}
	if !strings.EqualFold(order, OrderAsc) {
		asc := compare
		compare = func(a, b Flow) int { return asc(b, a) }
	}
	slices.SortStableFunc(flows, compare)
}

func facets(flows []Flow) Facets {
	ips := make(map[string]struct{})
	protos := make(map[string]struct{})
	types := make(map[string]struct{})
	for _, f := range flows {
		ips[f.SrcIP.String()] = struct{}{}
		protos[f.Protocol] = struct{}{}
		types[f.RequestType] = struct{}{}
	}
	return Facets{
		IPs:       sortedKeys(ips),
		Protocols: sortedKeys(protos),
		Types:     sortedKeys(types),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
