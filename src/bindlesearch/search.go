// Package bindlesearch maintains queryable indexes over the invoices a
// provider stores. Engines share one contract: whitespace tokens of the query
// are matched against invoice metadata, a SemVer range narrows versions, and
// results come back in a paging envelope.
package bindlesearch

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"bindle.dev/bindle/src/bindle"
	"github.com/Masterminds/semver/v3"
)

// DefaultLimit is the page size when the request does not set one.
const DefaultLimit = 50

// SearchOptions control paging and visibility for one query.
type SearchOptions struct {
	// Offset is the index of the first result to return.
	Offset uint64
	// Limit is the maximum number of results to return. Zero is a valid
	// limit and yields an empty result list in a well-formed envelope.
	Limit int
	// Strict requires every query token to appear as a contiguous substring
	// of the bindle name.
	Strict bool
	// Yanked includes yanked invoices in the results.
	Yanked bool
}

// DefaultSearchOptions returns the options used when a request sets none.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{Limit: DefaultLimit}
}

// Matches is the query response envelope.
type Matches struct {
	Query     string           `toml:"query" json:"query"`
	Strict    bool             `toml:"strict" json:"strict"`
	Offset    uint64           `toml:"offset" json:"offset"`
	Limit     int              `toml:"limit" json:"limit"`
	Timestamp int64            `toml:"timestamp" json:"timestamp"`
	Total     uint64           `toml:"total" json:"total"`
	More      bool             `toml:"more" json:"more"`
	Yanked    bool             `toml:"yanked" json:"yanked"`
	Invoices  []bindle.Invoice `toml:"invoices" json:"invoices"`
}

// Search is the minimal feature set a query engine must implement.
type Search interface {
	// Query parses the term and version filter and returns a page of
	// matches. Ordering is deterministic for identical inputs.
	Query(ctx context.Context, term, versionFilter string, opts SearchOptions) (*Matches, error)
	// Index extracts search data from the invoice. Indexing an invoice that
	// is already present is an update; a yanked invoice is recorded as such.
	Index(ctx context.Context, inv *bindle.Invoice) error
}

func newMatches(query string, opts SearchOptions) *Matches {
	return &Matches{
		Query:     query,
		Strict:    opts.Strict,
		Offset:    opts.Offset,
		Limit:     opts.Limit,
		Yanked:    opts.Yanked,
		Timestamp: time.Now().Unix(),
		Invoices:  []bindle.Invoice{},
	}
}

// page applies the envelope arithmetic to the full match list.
func (m *Matches) page(found []bindle.Invoice) {
	m.Total = uint64(len(found))
	if m.Offset >= m.Total || m.Limit <= 0 {
		m.More = m.Offset+uint64(maxInt(m.Limit, 0)) < m.Total
		return
	}
	end := m.Offset + uint64(m.Limit)
	if end > m.Total {
		end = m.Total
	}
	m.More = end < m.Total
	m.Invoices = append(m.Invoices, found[m.Offset:end]...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// compileRange turns a SemVer range expression into a predicate. The empty
// range matches everything. Operators: =, <, >, <=, >=, ~, ^, and the
// inclusive "A - B" form.
func compileRange(expr string) (func(*semver.Version) bool, error) {
	if strings.TrimSpace(expr) == "" {
		return func(*semver.Version) bool { return true }, nil
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, bindle.ErrBadRange{Range: expr}
	}
	return func(v *semver.Version) bool {
		return v != nil && c.Check(v)
	}, nil
}

// matchStrict requires every whitespace token of q to appear as a contiguous
// substring of the bindle name. The empty query matches everything.
func matchStrict(inv *bindle.Invoice, q string) bool {
	for _, tok := range strings.Fields(q) {
		if !strings.Contains(inv.Bindle.Name, tok) {
			return false
		}
	}
	return true
}

// matchStandard is the fuzzy mode: the query is split into terms on
// non-alphanumeric runes and every term must appear in one of the searchable
// fields. The returned score weights name hits highest. Annotations and
// parcel data are never searched.
func matchStandard(inv *bindle.Invoice, q string) (int, bool) {
	terms := splitTerms(q)
	if len(terms) == 0 {
		return 0, true
	}
	name := strings.ToLower(inv.Bindle.Name)
	version := strings.ToLower(inv.Bindle.Version)
	desc := strings.ToLower(inv.Bindle.Description)
	score := 0
	for _, term := range terms {
		hit := 0
		if strings.Contains(name, term) {
			hit += 4
		}
		if strings.Contains(version, term) {
			hit += 2
		}
		for _, a := range inv.Bindle.Authors {
			if strings.Contains(strings.ToLower(a), term) {
				hit++
				break
			}
		}
		if desc != "" && strings.Contains(desc, term) {
			hit++
		}
		if hit == 0 {
			return 0, false
		}
		score += hit
	}
	return score, true
}

func splitTerms(q string) []string {
	return strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// entry is one indexed invoice; engines share the sorted-scan logic.
type entry struct {
	inv     bindle.Invoice
	version *semver.Version
}

// scan filters the already name/version-sorted entries by visibility, range,
// and the engine's matcher, then pages the result.
func scan(entries []entry, q, versionFilter string, opts SearchOptions, strictOnly bool) (*Matches, error) {
	inRange, err := compileRange(versionFilter)
	if err != nil {
		return nil, err
	}
	strict := strictOnly || opts.Strict
	type scored struct {
		inv   bindle.Invoice
		score int
	}
	var found []scored
	for _, e := range entries {
		if e.inv.Yanked && !opts.Yanked {
			continue
		}
		if !inRange(e.version) {
			continue
		}
		if strict {
			if !matchStrict(&e.inv, q) {
				continue
			}
			found = append(found, scored{inv: e.inv})
		} else {
			score, ok := matchStandard(&e.inv, q)
			if !ok {
				continue
			}
			found = append(found, scored{inv: e.inv, score: score})
		}
	}
	if !strict {
		sort.SliceStable(found, func(i, j int) bool {
			return found[i].score > found[j].score
		})
	}
	matches := newMatches(q, opts)
	matches.Strict = strict
	flat := make([]bindle.Invoice, len(found))
	for i, f := range found {
		flat[i] = f.inv
	}
	matches.page(flat)
	return matches, nil
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].inv, entries[j].inv
		if a.Bindle.Name != b.Bindle.Name {
			return a.Bindle.Name < b.Bindle.Name
		}
		if entries[i].version != nil && entries[j].version != nil {
			return entries[i].version.LessThan(entries[j].version)
		}
		return a.Bindle.Version < b.Bindle.Version
	})
}
