package bindlelocal

import (
	"context"
	"io"

	"bindle.dev/bindle/src/bindle"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds each of the cache's LRUs.
const DefaultCacheSize = 128

// Cache fronts any provider with bounded LRUs over recently fetched invoices
// and parcel-existence probes. Entries for an invoice are invalidated on yank.
type Cache struct {
	inner    bindle.Provider
	invoices *lru.Cache[string, *bindle.Invoice]
	exists   *lru.Cache[string, bool]
}

var _ bindle.Provider = &Cache{}

// NewCache wraps inner with caches of the given size (DefaultCacheSize if
// size <= 0).
func NewCache(inner bindle.Provider, size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	invoices, _ := lru.New[string, *bindle.Invoice](size)
	exists, _ := lru.New[string, bool](size)
	return &Cache{inner: inner, invoices: invoices, exists: exists}
}

func (c *Cache) CreateInvoice(ctx context.Context, inv *bindle.Invoice) ([]bindle.Label, error) {
	missing, err := c.inner.CreateInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}
	if id, err := inv.ID(); err == nil {
		c.invoices.Add(id.Sha(), inv)
	}
	return missing, nil
}

func (c *Cache) GetYankedInvoice(ctx context.Context, id bindle.ID) (*bindle.Invoice, error) {
	if inv, ok := c.invoices.Get(id.Sha()); ok {
		return inv, nil
	}
	inv, err := c.inner.GetYankedInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	c.invoices.Add(id.Sha(), inv)
	return inv, nil
}

func (c *Cache) GetInvoice(ctx context.Context, id bindle.ID) (*bindle.Invoice, error) {
	inv, err := c.GetYankedInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Yanked {
		return nil, bindle.ErrYanked{ID: id.String()}
	}
	return inv, nil
}

func (c *Cache) YankInvoice(ctx context.Context, id bindle.ID, reason string, sigs []bindle.Signature) error {
	// Invalidate before and after: a concurrent reader may refill between the
	// inner call and the second remove, but never with pre-yank state after
	// this function returns.
	c.invoices.Remove(id.Sha())
	if err := c.inner.YankInvoice(ctx, id, reason, sigs); err != nil {
		return err
	}
	c.invoices.Remove(id.Sha())
	return nil
}

func (c *Cache) CreateParcel(ctx context.Context, id bindle.ID, sha string, data io.Reader) error {
	if err := c.inner.CreateParcel(ctx, id, sha, data); err != nil {
		return err
	}
	c.exists.Add(sha, true)
	return nil
}

func (c *Cache) GetParcel(ctx context.Context, id bindle.ID, sha string) (io.ReadCloser, error) {
	return c.inner.GetParcel(ctx, id, sha)
}

func (c *Cache) ParcelExists(ctx context.Context, id bindle.ID, sha string) (bool, error) {
	if ok, hit := c.exists.Get(sha); hit && ok {
		// Only positive probes are trusted from cache; absence must be
		// re-checked so a fresh upload is observed.
		if _, err := c.GetInvoice(ctx, id); err != nil {
			return false, err
		}
		if _, err := c.findLabel(ctx, id, sha); err != nil {
			return false, err
		}
		return true, nil
	}
	ok, err := c.inner.ParcelExists(ctx, id, sha)
	if err != nil {
		return false, err
	}
	if ok {
		c.exists.Add(sha, true)
	}
	return ok, nil
}

func (c *Cache) findLabel(ctx context.Context, id bindle.ID, sha string) (bindle.Label, error) {
	inv, err := c.GetInvoice(ctx, id)
	if err != nil {
		return bindle.Label{}, err
	}
	return bindle.FindLabel(inv, sha)
}
