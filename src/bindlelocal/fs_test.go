package bindlelocal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/bindle/bindletests"
	"bindle.dev/bindle/src/internal/testutil"
	"github.com/stretchr/testify/require"
)

func newFileProvider(t testing.TB) bindle.Provider {
	ctx := testutil.Context(t)
	fp, err := NewFileProvider(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return fp
}

func TestFileProvider(t *testing.T) {
	bindletests.Provider(t, newFileProvider)
}

func TestFileLayout(t *testing.T) {
	ctx := testutil.Context(t)
	root := t.TempDir()
	fp, err := NewFileProvider(ctx, root, nil)
	require.NoError(t, err)

	data := []byte("layout check")
	sc := bindletests.NewScaffold("layout/app", "1.0.0", data)
	_, err = fp.CreateInvoice(ctx, sc.Invoice)
	require.NoError(t, err)
	sha := bindletests.HashOf(data)
	require.NoError(t, fp.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data)))

	identity, err := sc.Invoice.CanonicalName()
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(root, "invoices", identity, "invoice.toml"))
	require.FileExists(t, filepath.Join(root, "parcels", sha, "parcel.dat"))
	require.FileExists(t, filepath.Join(root, "parcels", sha, "label.toml"))

	// Parcel data is committed read-only.
	fi, err := os.Stat(filepath.Join(root, "parcels", sha, "parcel.dat"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), fi.Mode().Perm())

	// The stored invoice is the canonical encoding.
	stored, err := os.ReadFile(filepath.Join(root, "invoices", identity, "invoice.toml"))
	require.NoError(t, err)
	require.Equal(t, bindle.MarshalInvoice(sc.Invoice), stored)

	// The stored label parses back to the declared label.
	labelData, err := os.ReadFile(filepath.Join(root, "parcels", sha, "label.toml"))
	require.NoError(t, err)
	label, err := bindle.ParseLabel(labelData)
	require.NoError(t, err)
	require.Equal(t, sc.Invoice.Parcel[0].Label, *label)
}

func TestTempFileCleanup(t *testing.T) {
	ctx := testutil.Context(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "parcels", "deadbeef"), 0o755))
	stale := filepath.Join(root, "parcels", "deadbeef", "parcel.dat.part")
	require.NoError(t, os.WriteFile(stale, []byte("interrupted"), 0o644))

	_, err := NewFileProvider(ctx, root, nil)
	require.NoError(t, err)
	require.NoFileExists(t, stale)
}

func TestWarmIndex(t *testing.T) {
	ctx := testutil.Context(t)
	root := t.TempDir()
	fp, err := NewFileProvider(ctx, root, nil)
	require.NoError(t, err)
	sc := bindletests.NewScaffold("warm/app", "1.0.0")
	_, err = fp.CreateInvoice(ctx, sc.Invoice)
	require.NoError(t, err)

	idx := &recordingIndexer{}
	_, err = NewFileProvider(ctx, root, idx)
	require.NoError(t, err)
	require.Equal(t, []string{"warm/app/1.0.0"}, idx.names)
}
