// Package bindlelocal implements local bindle.Provider backends: a filesystem
// store, an embedded pebble KV store, and an LRU caching wrapper.
package bindlelocal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"bindle.dev/bindle/src/bindle"
)

// Indexer receives every invoice a provider creates or yanks, so a search
// index can stay current with storage. Storage is the sole authority on what
// exists, so it drives indexing.
type Indexer interface {
	Index(ctx context.Context, inv *bindle.Invoice) error
}

// NoopIndexer discards index updates.
type NoopIndexer struct{}

func (NoopIndexer) Index(ctx context.Context, inv *bindle.Invoice) error { return nil }

// verifyParcelStream consumes data, updating a running SHA-256 and byte
// count, and checks both against the declared label. Every upload passes
// through this check, including reuploads of content that is already
// committed: idempotent success is only for verified duplicates.
func verifyParcelStream(data io.Reader, label bindle.Label, sha string) error {
	h := sha256.New()
	written, err := io.Copy(h, data)
	if err != nil {
		return err
	}
	if uint64(written) != label.Size {
		return bindle.ErrSizeMismatch{Expected: label.Size, Actual: uint64(written)}
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != sha {
		return bindle.ErrDigestMismatch{Expected: sha, Actual: actual}
	}
	return nil
}
