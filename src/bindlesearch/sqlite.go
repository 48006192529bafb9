package bindlesearch

import (
	"context"

	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/internal/dbutil"
	"github.com/Masterminds/semver/v3"
	"github.com/jmoiron/sqlx"
)

// SQLiteIndex persists the search index in a sqlite database so it survives
// daemon restarts without a full rewarm. Matching happens in process over a
// name/version-ordered scan; sqlite provides durability and ordering.
type SQLiteIndex struct {
	db *sqlx.DB
}

var _ Search = &SQLiteIndex{}

// SetupDB creates the index schema if it does not exist.
func SetupDB(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			identity TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			yanked INTEGER NOT NULL,
			body BLOB NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS invoices_name_version ON invoices (name, version)`)
	return err
}

// NewSQLiteIndex returns an index over an already set-up database.
func NewSQLiteIndex(db *sqlx.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

func (s *SQLiteIndex) Index(ctx context.Context, inv *bindle.Invoice) error {
	identity, err := inv.CanonicalName()
	if err != nil {
		return err
	}
	yanked := 0
	if inv.Yanked {
		yanked = 1
	}
	return dbutil.DoTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO invoices (identity, name, version, yanked, body)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (identity) DO UPDATE SET yanked = excluded.yanked, body = excluded.body
		`, identity, inv.Bindle.Name, inv.Bindle.Version, yanked, bindle.MarshalInvoice(inv))
		return err
	})
}

func (s *SQLiteIndex) Query(ctx context.Context, term, versionFilter string, opts SearchOptions) (*Matches, error) {
	var bodies [][]byte
	if err := s.db.SelectContext(ctx, &bodies,
		`SELECT body FROM invoices ORDER BY name, version`); err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(bodies))
	for _, body := range bodies {
		inv, err := bindle.ParseInvoice(body)
		if err != nil {
			return nil, err
		}
		ver, _ := semver.NewVersion(inv.Bindle.Version)
		entries = append(entries, entry{inv: *inv, version: ver})
	}
	sortEntries(entries)
	return scan(entries, term, versionFilter, opts, false)
}
