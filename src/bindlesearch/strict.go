package bindlesearch

import (
	"context"
	"sync"

	"bindle.dev/bindle/src/bindle"
	"github.com/Masterminds/semver/v3"
)

// StrictEngine is an in-memory index that only performs strict matching.
// Query sorts a snapshot of the entries by name then version, which makes
// offsets and limits predictable.
type StrictEngine struct {
	mu      sync.RWMutex
	entries map[string]entry
}

var _ Search = &StrictEngine{}

// NewStrictEngine returns an empty strict engine.
func NewStrictEngine() *StrictEngine {
	return &StrictEngine{entries: map[string]entry{}}
}

func (s *StrictEngine) Index(ctx context.Context, inv *bindle.Invoice) error {
	ver, _ := semver.NewVersion(inv.Bindle.Version)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[inv.Name()] = entry{inv: *inv, version: ver}
	return nil
}

func (s *StrictEngine) Query(ctx context.Context, term, versionFilter string, opts SearchOptions) (*Matches, error) {
	s.mu.RLock()
	snapshot := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()
	sortEntries(snapshot)
	return scan(snapshot, term, versionFilter, opts, true)
}
