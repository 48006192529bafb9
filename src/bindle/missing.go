package bindle

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// missingProbeParallelism bounds concurrent existence probes.
const missingProbeParallelism = 8

// MissingParcels diffs an invoice's parcel set against the provider and
// returns the labels of every parcel whose bytes are still absent. Yanked
// invoices are not processed.
func MissingParcels(ctx context.Context, p Provider, id ID) ([]Label, error) {
	inv, err := p.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	return MissingFromInvoice(ctx, p, inv)
}

// MissingFromInvoice probes every label of an already-loaded invoice. The
// result preserves the invoice's declaration order.
func MissingFromInvoice(ctx context.Context, p Provider, inv *Invoice) ([]Label, error) {
	id, err := inv.ID()
	if err != nil {
		return nil, err
	}
	absent := make([]bool, len(inv.Parcel))
	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(missingProbeParallelism)
	for i := range inv.Parcel {
		eg.Go(func() error {
			ok, err := p.ParcelExists(ctx, id, inv.Parcel[i].Label.SHA256)
			if err != nil {
				return err
			}
			mu.Lock()
			absent[i] = !ok
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var missing []Label
	for i, a := range absent {
		if a {
			missing = append(missing, inv.Parcel[i].Label)
		}
	}
	return missing, nil
}
