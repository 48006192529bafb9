package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"bindle.dev/bindle/src/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkOrder(t *testing.T) {
	ctx := testutil.Context(t)
	sink := &MemorySink{}
	require.NoError(t, sink.Raise(ctx, Now(Event{Kind: InvoiceCreated, InvoiceID: "a/1.0.0"})))
	require.NoError(t, sink.Raise(ctx, Now(Event{Kind: MissingParcel, InvoiceID: "a/1.0.0"})))
	require.NoError(t, sink.Raise(ctx, Now(Event{Kind: ParcelCreated, InvoiceID: "a/1.0.0"})))

	evs := sink.Events()
	require.Len(t, evs, 3)
	require.Equal(t, []Kind{InvoiceCreated, MissingParcel, ParcelCreated}, []Kind{evs[0].Kind, evs[1].Kind, evs[2].Kind})
}

func TestFileSink(t *testing.T) {
	ctx := testutil.Context(t)
	path := filepath.Join(t.TempDir(), "events.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Raise(ctx, Now(Event{Kind: InvoiceCreated, InvoiceID: "a/1.0.0"})))
	require.NoError(t, sink.Raise(ctx, Now(Event{Kind: InvoiceYanked, InvoiceID: "a/1.0.0"})))
	require.NoError(t, sink.Close())

	// Reopening appends rather than truncating.
	sink, err = NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Raise(ctx, Now(Event{Kind: ParcelCreated, InvoiceID: "a/1.0.0"})))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var kinds []Kind
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		require.NotZero(t, ev.At)
		kinds = append(kinds, ev.Kind)
	}
	require.NoError(t, sc.Err())
	require.Equal(t, []Kind{InvoiceCreated, InvoiceYanked, ParcelCreated}, kinds)
}
