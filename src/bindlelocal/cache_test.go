package bindlelocal

import (
	"testing"

	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/bindle/bindletests"
	"bindle.dev/bindle/src/internal/testutil"
	"github.com/stretchr/testify/require"
)

func newCachedProvider(t testing.TB) bindle.Provider {
	return NewCache(newFileProvider(t), 16)
}

func TestCachedProvider(t *testing.T) {
	bindletests.Provider(t, newCachedProvider)
}

func TestCacheInvalidatedOnYank(t *testing.T) {
	ctx := testutil.Context(t)
	cache := NewCache(newFileProvider(t), 16)
	sc := bindletests.NewScaffold("cache/yank", "1.0.0")
	_, err := cache.CreateInvoice(ctx, sc.Invoice)
	require.NoError(t, err)

	// Populate the cache.
	_, err = cache.GetInvoice(ctx, sc.ID(t))
	require.NoError(t, err)

	require.NoError(t, cache.YankInvoice(ctx, sc.ID(t), "", nil))
	_, err = cache.GetInvoice(ctx, sc.ID(t))
	require.True(t, bindle.IsErrYanked(err), "got %v", err)
}
