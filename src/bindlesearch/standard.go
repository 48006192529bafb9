package bindlesearch

import (
	"context"
	"sync"

	"bindle.dev/bindle/src/bindle"
	"github.com/Masterminds/semver/v3"
)

// StandardEngine is an in-memory index supporting both modes: fuzzy
// AND-of-terms matching across name, version, authors, and description by
// default, and strict matching when the request asks for it.
type StandardEngine struct {
	mu      sync.RWMutex
	entries map[string]entry
}

var _ Search = &StandardEngine{}

// NewStandardEngine returns an empty standard engine.
func NewStandardEngine() *StandardEngine {
	return &StandardEngine{entries: map[string]entry{}}
}

func (s *StandardEngine) Index(ctx context.Context, inv *bindle.Invoice) error {
	ver, _ := semver.NewVersion(inv.Bindle.Version)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[inv.Name()] = entry{inv: *inv, version: ver}
	return nil
}

func (s *StandardEngine) Query(ctx context.Context, term, versionFilter string, opts SearchOptions) (*Matches, error) {
	s.mu.RLock()
	snapshot := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()
	sortEntries(snapshot)
	return scan(snapshot, term, versionFilter, opts, false)
}
