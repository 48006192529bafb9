package bindle

import (
	"context"
	"io"
)

// Provider is the capability surface over a bindle storage backend. A
// provider can be a terminal store (filesystem, embedded KV), a cache in
// front of another provider, or a client talking to a remote server.
//
// Terminal providers must internally serialize operations on the same invoice
// identity so that concurrent creates and yanks do not race.
type Provider interface {
	// CreateInvoice stores a new invoice and returns the labels of every
	// referenced parcel that is not yet present. The invoice must already be
	// validated and its signatures verified by the caller.
	CreateInvoice(ctx context.Context, inv *Invoice) ([]Label, error)

	// GetInvoice returns an invoice if it exists and is not yanked.
	GetInvoice(ctx context.Context, id ID) (*Invoice, error)

	// GetYankedInvoice returns an invoice whether or not it is yanked.
	GetYankedInvoice(ctx context.Context, id ID) (*Invoice, error)

	// YankInvoice marks an invoice yanked, appending the provided yank
	// signatures. Yanking an already-yanked invoice is a no-op success.
	YankInvoice(ctx context.Context, id ID, reason string, sigs []Signature) error

	// CreateParcel streams parcel bytes into storage, verifying the running
	// SHA-256 and byte count against the label the invoice declares for sha.
	// Uploading identical bytes for an existing parcel succeeds idempotently.
	CreateParcel(ctx context.Context, id ID, sha string, data io.Reader) error

	// GetParcel returns a stream of the parcel's bytes, scoped to the
	// invoice that references it.
	GetParcel(ctx context.Context, id ID, sha string) (io.ReadCloser, error)

	// ParcelExists reports whether the referenced parcel's bytes are stored.
	ParcelExists(ctx context.Context, id ID, sha string) (bool, error)
}

// FindLabel locates the label an invoice declares for the given parcel SHA.
func FindLabel(inv *Invoice, sha string) (Label, error) {
	for _, p := range inv.Parcel {
		if p.Label.SHA256 == sha {
			return p.Label, nil
		}
	}
	return Label{}, ErrNotFound{Type: "parcel", Key: sha}
}
