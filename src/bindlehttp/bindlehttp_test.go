package bindlehttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"testing"

	"bindle.dev/bindle/src/authn"
	"bindle.dev/bindle/src/authz"
	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/bindle/bindletests"
	"bindle.dev/bindle/src/bindlelocal"
	"bindle.dev/bindle/src/bindlesearch"
	"bindle.dev/bindle/src/events"
	"bindle.dev/bindle/src/internal/testutil"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	client *Client
	sink   *events.MemorySink
	url    string
}

func newTestServer(t testing.TB, mutate func(*Server)) *testServer {
	ctx := testutil.Context(t)
	engine := bindlesearch.NewStrictEngine()
	provider, err := bindlelocal.NewFileProvider(ctx, t.TempDir(), engine)
	if err != nil {
		t.Fatal(err)
	}
	sink := &events.MemorySink{}
	srv := &Server{
		Provider: provider,
		Search:   engine,
		Events:   sink,
	}
	if mutate != nil {
		mutate(srv)
	}
	lis := testutil.Listen(t)
	go func() {
		if err := http.Serve(lis, srv); err != nil {
			t.Log(err)
		}
	}()
	url := fmt.Sprintf("http://%s", lis.Addr().String())
	return &testServer{
		client: NewClient(nil, url),
		sink:   sink,
		url:    url,
	}
}

func TestProviderContract(t *testing.T) {
	bindletests.Provider(t, func(t testing.TB) bindle.Provider {
		return newTestServer(t, nil).client
	})
}

// TestCreateWithMissing walks the create choreography: accepted-with-missing,
// parcel upload, then a complete fetch.
func TestCreateWithMissing(t *testing.T) {
	ctx := testutil.Context(t)
	ts := newTestServer(t, nil)
	data := []byte("hello parcel")
	sc := bindletests.NewScaffold("example.com/hello", "0.1.0", data)
	sha := bindletests.HashOf(data)

	// POST with the parcel body unavailable: 202 with the missing list.
	resp, err := http.Post(ts.url+"/_i", MediaTypeTOML, bytes.NewReader(bindle.MarshalInvoice(sc.Invoice)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), sha)

	// Upload the parcel; the invoice is then complete.
	require.NoError(t, ts.client.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data)))
	missing, err := ts.client.MissingParcels(ctx, sc.ID(t))
	require.NoError(t, err)
	require.Empty(t, missing)

	inv, err := ts.client.GetInvoice(ctx, sc.ID(t))
	require.NoError(t, err)
	require.Equal(t, sc.Invoice.Bindle, inv.Bindle)

	// A complete create returns 201.
	sc2 := bindletests.NewScaffold("example.com/empty", "0.1.0")
	resp2, err := http.Post(ts.url+"/_i", MediaTypeTOML, bytes.NewReader(bindle.MarshalInvoice(sc2.Invoice)))
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	// Event order for the whole flow.
	var kinds []events.Kind
	for _, ev := range ts.sink.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []events.Kind{
		events.InvoiceCreated, events.MissingParcel, events.ParcelCreated, events.InvoiceCreated,
	}, kinds)
}

func TestDoublePost(t *testing.T) {
	ts := newTestServer(t, nil)
	sc := bindletests.NewScaffold("example.com/twice", "1.0.0")
	body := bindle.MarshalInvoice(sc.Invoice)

	resp, err := http.Post(ts.url+"/_i", MediaTypeTOML, bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(ts.url+"/_i", MediaTypeTOML, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "error = ")
}

func TestYankFlow(t *testing.T) {
	ctx := testutil.Context(t)
	ts := newTestServer(t, nil)
	sc := bindletests.NewScaffold("example.com/hello", "0.1.0")
	_, err := ts.client.CreateInvoice(ctx, sc.Invoice)
	require.NoError(t, err)
	require.NoError(t, ts.client.YankInvoice(ctx, sc.ID(t), "obsolete", nil))

	// GET without yanked=true: 403.
	resp, err := http.Get(ts.url + "/_i/example.com/hello/0.1.0")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// GET with yanked=true returns the yanked invoice.
	inv, err := ts.client.GetYankedInvoice(ctx, sc.ID(t))
	require.NoError(t, err)
	require.True(t, inv.Yanked)
	require.Equal(t, "obsolete", inv.YankedReason)

	// The query omits it unless asked.
	m, err := ts.client.Query(ctx, bindle.QueryOptions{Query: "hello"})
	require.NoError(t, err)
	require.Empty(t, m.Invoices)
	m, err = ts.client.Query(ctx, bindle.QueryOptions{Query: "hello", Yanked: true})
	require.NoError(t, err)
	require.Len(t, m.Invoices, 1)

	// Yanking again over HTTP is a no-op success.
	req, err := http.NewRequest(http.MethodDelete, ts.url+"/_i/example.com/hello/0.1.0", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The yank event was raised once.
	count := 0
	for _, ev := range ts.sink.Events() {
		if ev.Kind == events.InvoiceYanked {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestSignedYank(t *testing.T) {
	ctx := testutil.Context(t)
	creator, err := bindle.NewSecretKeyEntry("creator", []bindle.SignatureRole{bindle.RoleCreator})
	require.NoError(t, err)
	host, err := bindle.NewSecretKeyEntry("host", []bindle.SignatureRole{bindle.RoleHost})
	require.NoError(t, err)
	ring := bindle.NewKeyRing()
	for _, k := range []*bindle.SecretKeyEntry{creator, host} {
		e, err := k.PublicEntry()
		require.NoError(t, err)
		ring.Add(e)
	}
	ts := newTestServer(t, func(s *Server) {
		s.Keyring = ring
	})

	sc := bindletests.NewScaffold("example.com/signed", "1.0.0")
	require.NoError(t, bindle.Sign(sc.Invoice, bindle.RoleCreator, creator))
	_, err = ts.client.CreateInvoice(ctx, sc.Invoice)
	require.NoError(t, err)

	// A yank signed only by the creator is rejected.
	badYank := *sc.Invoice
	badYank.YankedSignature = nil
	require.NoError(t, bindle.SignYank(&badYank, bindle.RoleCreator, creator))
	err = ts.client.YankInvoice(ctx, sc.ID(t), "", badYank.YankedSignature)
	require.Error(t, err)

	// A host-signed yank goes through, and the signature survives.
	goodYank := *sc.Invoice
	goodYank.YankedSignature = nil
	require.NoError(t, bindle.SignYank(&goodYank, bindle.RoleHost, host))
	require.NoError(t, ts.client.YankInvoice(ctx, sc.ID(t), "", goodYank.YankedSignature))

	inv, err := ts.client.GetYankedInvoice(ctx, sc.ID(t))
	require.NoError(t, err)
	require.Len(t, inv.YankedSignature, 1)
	require.NoError(t, bindle.DefaultStrategy().VerifyYank(inv, ring))
}

func TestUnknownSignerRejected(t *testing.T) {
	ctx := testutil.Context(t)
	creator, err := bindle.NewSecretKeyEntry("creator", []bindle.SignatureRole{bindle.RoleCreator})
	require.NoError(t, err)
	entry, err := creator.PublicEntry()
	require.NoError(t, err)
	ts := newTestServer(t, func(s *Server) {
		s.Keyring = bindle.NewKeyRing(entry)
		s.Strategy = bindle.CreativeIntegrity
	})

	// A signature by an unknown key fails verification.
	rogue, err := bindle.NewSecretKeyEntry("rogue", []bindle.SignatureRole{bindle.RoleCreator})
	require.NoError(t, err)
	sc := bindletests.NewScaffold("example.com/rogue", "1.0.0")
	require.NoError(t, bindle.Sign(sc.Invoice, bindle.RoleCreator, rogue))
	_, err = ts.client.CreateInvoice(ctx, sc.Invoice)
	require.Error(t, err)

	// Properly signed, it goes through.
	ok := bindletests.NewScaffold("example.com/ok", "1.0.0")
	require.NoError(t, bindle.Sign(ok.Invoice, bindle.RoleCreator, creator))
	_, err = ts.client.CreateInvoice(ctx, ok.Invoice)
	require.NoError(t, err)
}

func TestInvalidManifestRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Post(ts.url+"/_i", MediaTypeTOML, bytes.NewReader([]byte("not toml at all = [")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	inv := bindle.NewInvoice(bindle.BindleSpec{Name: "bindle:nope", Version: "1.0.0"})
	resp, err = http.Post(ts.url+"/_i", MediaTypeTOML, bytes.NewReader(bindle.MarshalInvoice(inv)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeadInvoiceAndParcel(t *testing.T) {
	ctx := testutil.Context(t)
	ts := newTestServer(t, nil)
	data := []byte("head me")
	sc := bindletests.NewScaffold("example.com/head", "1.0.0", data)
	_, err := ts.client.CreateInvoice(ctx, sc.Invoice)
	require.NoError(t, err)
	sha := bindletests.HashOf(data)

	resp, err := http.Head(ts.url + "/_i/example.com/head/1.0.0")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, MediaTypeTOML, resp.Header.Get("Content-Type"))

	// HEAD on a parcel that is not yet uploaded: 404.
	resp, err = http.Head(ts.url + "/_i/example.com/head/1.0.0@" + sha)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, ts.client.CreateParcel(ctx, sc.ID(t), sha, bytes.NewReader(data)))
	resp, err = http.Head(ts.url + "/_i/example.com/head/1.0.0@" + sha)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, fmt.Sprint(len(data)), resp.Header.Get("Content-Length"))
}

func TestQueryEnvelope(t *testing.T) {
	ctx := testutil.Context(t)
	ts := newTestServer(t, nil)
	for _, name := range []string{"foo/bar/baz", "fo/bar/bazz"} {
		sc := bindletests.NewScaffold(name, "1.0.0")
		_, err := ts.client.CreateInvoice(ctx, sc.Invoice)
		require.NoError(t, err)
	}

	m, err := ts.client.Query(ctx, bindle.QueryOptions{Query: "foo/bar", Strict: true})
	require.NoError(t, err)
	require.Len(t, m.Invoices, 1)
	require.Equal(t, "foo/bar/baz", m.Invoices[0].Bindle.Name)

	// l=0 returns an empty list in a well-formed envelope.
	resp, err := http.Get(ts.url + "/_q?q=bar&l=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "total = 2")
	require.Contains(t, string(body), "invoices = []")

	// A malformed range is a 400.
	resp, err = http.Get(ts.url + "/_q?q=bar&v=%25%5E%26")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCBORNegotiation(t *testing.T) {
	ctx := testutil.Context(t)
	ts := newTestServer(t, nil)
	sc := bindletests.NewScaffold("example.com/cbor", "1.0.0")
	_, err := ts.client.CreateInvoice(ctx, sc.Invoice)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.url+"/_i/example.com/cbor/1.0.0", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", MediaTypeCBOR)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, MediaTypeCBOR, resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var inv bindle.Invoice
	require.NoError(t, cbor.Unmarshal(data, &inv))
	require.Equal(t, "example.com/cbor", inv.Bindle.Name)
}

func TestAuthPolicy(t *testing.T) {
	ctx := testutil.Context(t)
	hash, err := authn.HashPassword("opensesame")
	require.NoError(t, err)
	ts := newTestServer(t, func(s *Server) {
		s.Authn = authn.NewBasic(map[string]string{"alice": hash})
		s.Authz = authz.AnonymousGet{}
	})

	// Anonymous create is refused.
	sc := bindletests.NewScaffold("example.com/auth", "1.0.0")
	_, err = ts.client.CreateInvoice(ctx, sc.Invoice)
	require.True(t, bindle.IsErrUnauthorized(err), "got %v", err)

	// An authenticated create goes through, and anonymous reads still work.
	req, err := http.NewRequest(http.MethodPost, ts.url+"/_i", bytes.NewReader(bindle.MarshalInvoice(sc.Invoice)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", MediaTypeTOML)
	req.SetBasicAuth("alice", "opensesame")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, err = ts.client.GetInvoice(ctx, sc.ID(t))
	require.NoError(t, err)
}

func TestBindleKeys(t *testing.T) {
	ctx := testutil.Context(t)
	creator, err := bindle.NewSecretKeyEntry("creator", []bindle.SignatureRole{bindle.RoleCreator})
	require.NoError(t, err)
	host, err := bindle.NewSecretKeyEntry("host", []bindle.SignatureRole{bindle.RoleHost})
	require.NoError(t, err)
	ring := bindle.NewKeyRing()
	for _, k := range []*bindle.SecretKeyEntry{creator, host} {
		e, err := k.PublicEntry()
		require.NoError(t, err)
		ring.Add(e)
	}
	ts := newTestServer(t, func(s *Server) {
		s.Keyring = ring
	})

	got, err := ts.client.GetKeys(ctx, nil)
	require.NoError(t, err)
	require.Len(t, got.Key, 2)

	got, err = ts.client.GetKeys(ctx, []bindle.SignatureRole{bindle.RoleHost})
	require.NoError(t, err)
	require.Len(t, got.Key, 1)
	require.Equal(t, "host", got.Key[0].Label)
}

func TestRequestTooLarge(t *testing.T) {
	ts := newTestServer(t, func(s *Server) {
		s.MaxBodySize = 64
	})
	big := bytes.Repeat([]byte("x"), 1024)
	resp, err := http.Post(ts.url+"/_i", MediaTypeTOML, bytes.NewReader(big))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestLoginIsExternal(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.url + "/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
