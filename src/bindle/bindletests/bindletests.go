// Package bindletests contains a test suite for bindle.Provider
// implementations. Storage backends, caches, and the HTTP client/server pair
// all run the same contract.
package bindletests

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/internal/testutil"
	"github.com/stretchr/testify/require"
)

// MkProvider constructs a fresh provider for one test.
type MkProvider = func(t testing.TB) bindle.Provider

// Scaffold is an invoice fixture together with the byte content of its
// parcels, keyed by SHA256.
type Scaffold struct {
	Invoice *bindle.Invoice
	Parcels map[string][]byte
}

// NewScaffold builds an invoice for name/version referencing one parcel per
// content blob.
func NewScaffold(name, version string, contents ...[]byte) *Scaffold {
	sc := &Scaffold{
		Invoice: bindle.NewInvoice(bindle.BindleSpec{Name: name, Version: version}),
		Parcels: map[string][]byte{},
	}
	for i, data := range contents {
		sha := HashOf(data)
		sc.Parcels[sha] = data
		sc.Invoice.Parcel = append(sc.Invoice.Parcel, bindle.Parcel{
			Label: bindle.NewLabel(fmt.Sprintf("file-%d.txt", i), sha, uint64(len(data))),
		})
	}
	return sc
}

// ID returns the scaffold invoice's parsed ID.
func (sc *Scaffold) ID(t testing.TB) bindle.ID {
	id, err := sc.Invoice.ID()
	require.NoError(t, err)
	return id
}

// HashOf returns the lowercase hex SHA-256 of data.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Provider runs the full provider contract against mk.
func Provider(t *testing.T, mk MkProvider) {
	t.Run("CreateAndGet", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		sc := NewScaffold("contract/basic", "0.1.0", []byte("hello world"))
		missing, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		require.Len(t, missing, 1)

		inv, err := p.GetInvoice(ctx, sc.ID(t))
		require.NoError(t, err)
		require.Equal(t, sc.Invoice.Bindle, inv.Bindle)
		require.Len(t, inv.Parcel, 1)
	})
	t.Run("GetAbsent", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		id, err := bindle.ParseID("contract/absent/9.9.9")
		require.NoError(t, err)
		_, err = p.GetInvoice(ctx, id)
		require.True(t, bindle.IsErrNotFound(err), "got %v", err)
	})
	t.Run("CreateTwice", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		sc := NewScaffold("contract/dup", "0.1.0", []byte("dup"))
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		_, err = p.CreateInvoice(ctx, sc.Invoice)
		require.True(t, bindle.IsErrAlreadyExists(err), "got %v", err)
	})
	t.Run("CreateYankedRejected", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		sc := NewScaffold("contract/preyank", "0.1.0")
		sc.Invoice.Yanked = true
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.Error(t, err)
	})
	t.Run("Yank", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		sc := NewScaffold("contract/yank", "0.2.0", []byte("bytes"))
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)

		require.NoError(t, p.YankInvoice(ctx, sc.ID(t), "superseded", nil))

		_, err = p.GetInvoice(ctx, sc.ID(t))
		require.True(t, bindle.IsErrYanked(err), "got %v", err)

		inv, err := p.GetYankedInvoice(ctx, sc.ID(t))
		require.NoError(t, err)
		require.True(t, inv.Yanked)
		require.Equal(t, "superseded", inv.YankedReason)

		// Yanking again is a no-op success.
		require.NoError(t, p.YankInvoice(ctx, sc.ID(t), "", nil))
	})
	t.Run("RecreateYankedRejected", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		sc := NewScaffold("contract/reyank", "0.1.0")
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		require.NoError(t, p.YankInvoice(ctx, sc.ID(t), "", nil))
		fresh := NewScaffold("contract/reyank", "0.1.0")
		_, err = p.CreateInvoice(ctx, fresh.Invoice)
		require.True(t, bindle.IsErrYanked(err), "got %v", err)
	})
	t.Run("ParcelRoundTrip", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		data := []byte("the parcel body")
		sc := NewScaffold("contract/parcel", "1.0.0", data)
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		sha := HashOf(data)

		ok, err := p.ParcelExists(ctx, sc.ID(t), sha)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, p.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data)))

		ok, err = p.ParcelExists(ctx, sc.ID(t), sha)
		require.NoError(t, err)
		require.True(t, ok)

		rc, err := p.GetParcel(ctx, sc.ID(t), sha)
		require.NoError(t, err)
		defer rc.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		require.NoError(t, err)
		require.Equal(t, data, buf.Bytes())
	})
	t.Run("ParcelNotInInvoice", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		sc := NewScaffold("contract/stray", "1.0.0", []byte("known"))
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		stray := []byte("not referenced anywhere")
		err = p.CreateParcel(ctx, sc.ID(t), HashOf(stray), bytes.NewReader(stray))
		require.True(t, bindle.IsErrNotFound(err), "got %v", err)
	})
	t.Run("SizeMismatch", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		data := []byte("sized just so")
		sc := NewScaffold("contract/size", "1.0.0", data)
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		sha := HashOf(data)

		// One byte short of the declared size.
		err = p.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data[:len(data)-1]))
		require.True(t, bindle.IsErrSizeMismatch(err), "got %v", err)

		// One byte over.
		err = p.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(append(append([]byte{}, data...), '!')))
		require.True(t, bindle.IsErrSizeMismatch(err), "got %v", err)

		ok, err := p.ParcelExists(ctx, sc.ID(t), sha)
		require.NoError(t, err)
		require.False(t, ok)
	})
	t.Run("DigestMismatch", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		data := []byte("original content")
		sc := NewScaffold("contract/digest", "1.0.0", data)
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)

		flipped := append([]byte{}, data...)
		flipped[0] ^= 0x01
		err = p.CreateParcel(ctx, sc.ID(t), HashOf(data), bytes.NewReader(flipped))
		require.True(t, bindle.IsErrDigestMismatch(err), "got %v", err)

		// Nothing was committed.
		ok, err := p.ParcelExists(ctx, sc.ID(t), HashOf(data))
		require.NoError(t, err)
		require.False(t, ok)
		_, err = p.GetParcel(ctx, sc.ID(t), HashOf(data))
		require.True(t, bindle.IsErrNotFound(err), "got %v", err)
	})
	t.Run("IdempotentParcelUpload", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		data := []byte("same bytes twice")
		sc := NewScaffold("contract/idem", "1.0.0", data)
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		sha := HashOf(data)
		require.NoError(t, p.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data)))
		require.NoError(t, p.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data)))

		// Reuploads are still verified: garbage under an already-stored SHA
		// is rejected, not silently accepted.
		garbage := append([]byte{}, data...)
		garbage[0] ^= 0x01
		err = p.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(garbage))
		require.True(t, bindle.IsErrDigestMismatch(err), "got %v", err)
		err = p.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data[:len(data)-1]))
		require.True(t, bindle.IsErrSizeMismatch(err), "got %v", err)

		// The committed bytes are untouched.
		rc, err := p.GetParcel(ctx, sc.ID(t), sha)
		require.NoError(t, err)
		defer rc.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		require.NoError(t, err)
		require.Equal(t, data, buf.Bytes())
	})
	t.Run("UploadToYanked", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		data := []byte("late arrival")
		sc := NewScaffold("contract/lateyank", "1.0.0", data)
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		require.NoError(t, p.YankInvoice(ctx, sc.ID(t), "", nil))
		err = p.CreateParcel(ctx, sc.ID(t), HashOf(data), bytes.NewReader(data))
		require.True(t, bindle.IsErrYanked(err), "got %v", err)
	})
	t.Run("MissingParcels", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		have := []byte("uploaded")
		want := []byte("still missing")
		sc := NewScaffold("contract/missing", "1.0.0", have, want)
		_, err := p.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
		require.NoError(t, p.CreateParcel(ctx, sc.ID(t), HashOf(have), bytes.NewReader(have)))

		missing, err := bindle.MissingParcels(ctx, p, sc.ID(t))
		require.NoError(t, err)
		require.Len(t, missing, 1)
		require.Equal(t, HashOf(want), missing[0].SHA256)
	})
	t.Run("ConcurrentCreate", func(t *testing.T) {
		ctx := testutil.Context(t)
		p := mk(t)
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fresh := NewScaffold("contract/race", "1.0.0")
				_, errs[i] = p.CreateInvoice(ctx, fresh.Invoice)
			}()
		}
		wg.Wait()
		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
			}
		}
		require.Equal(t, 1, ok, "exactly one concurrent create should win: %v", errs)
	})
}
