package bindlehttp

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"bindle.dev/bindle/src/authn"
	"bindle.dev/bindle/src/authz"
	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/bindlesearch"
	"bindle.dev/bindle/src/events"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

// DefaultMaxBodySize caps invoice and parcel request bodies.
const DefaultMaxBodySize int64 = 1 << 30

var _ http.Handler = &Server{}

// Server maps the bindle wire protocol onto a provider, a search engine, an
// event sink, and the auth hooks. Zero-value hooks default to anonymous
// access with every operation allowed and events discarded.
type Server struct {
	Provider bindle.Provider
	Search   bindlesearch.Search
	Events   events.Sink
	Authn    authn.Authenticator
	Authz    authz.Authorizer

	// Keyring holds the public keys invoices are verified against. When nil,
	// signature verification is skipped entirely.
	Keyring  *bindle.KeyRing
	Strategy bindle.VerificationStrategy

	// MaxBodySize limits request bodies; DefaultMaxBodySize when zero.
	MaxBodySize int64
}

func (s *Server) maxBody() int64 {
	if s.MaxBodySize > 0 {
		return s.MaxBodySize
	}
	return DefaultMaxBodySize
}

func (s *Server) sink() events.Sink {
	if s.Events != nil {
		return s.Events
	}
	return events.Noop{}
}

// authorize runs the authentication and authorization hooks for one request.
func (s *Server) authorize(r *http.Request, op authz.Operation, target string) (authn.Identity, error) {
	var id authn.Identity
	var err error
	if s.Authn != nil {
		id, err = s.Authn.Authenticate(r)
		if err != nil {
			return authn.Identity{}, err
		}
	} else {
		id = authn.Identity{Anonymous: true}
	}
	if s.Authz != nil {
		if err := s.Authz.Authorize(id, op, target); err != nil {
			return authn.Identity{}, err
		}
	}
	return id, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := r.URL.Path
	switch {
	case path == "/_i" || path == "/_i/":
		if r.Method != http.MethodPost {
			writeError(ctx, w, r, bindle.ErrNotFound{Type: "route", Key: path})
			return
		}
		s.handleCreateInvoice(w, r)
	case strings.HasPrefix(path, "/_i/"):
		rest := strings.TrimPrefix(path, "/_i/")
		if i := strings.LastIndex(rest, "@"); i >= 0 {
			s.handleParcel(w, r, rest[:i], rest[i+1:])
		} else {
			s.handleInvoice(w, r, rest)
		}
	case path == "/_q":
		s.handleQuery(w, r)
	case strings.HasPrefix(path, "/_r/missing/"):
		s.handleMissing(w, r, strings.TrimPrefix(path, "/_r/missing/"))
	case path == "/bindle-keys":
		s.handleKeys(w, r)
	case path == "/login":
		// The device-authorization flow is hosted by an external identity
		// provider; this server only checks the resulting tokens.
		w.Header().Set("Content-Type", MediaTypeTOML)
		w.WriteHeader(http.StatusNotImplemented)
		w.Write([]byte("error = \"login is handled by an external identity provider\"\n"))
	default:
		writeError(ctx, w, r, bindle.ErrNotFound{Type: "route", Key: path})
	}
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.authorize(r, authz.OpCreateInvoice, ""); err != nil {
		writeError(ctx, w, r, err)
		return
	}
	inv, err := decodeInvoiceBody(r, s.maxBody())
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if err := bindle.Validate(inv); err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if s.Keyring != nil {
		if err := s.Strategy.Verify(inv, s.Keyring); err != nil {
			writeError(ctx, w, r, err)
			return
		}
	}
	missing, err := s.Provider.CreateInvoice(ctx, inv)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	sink := s.sink()
	if err := sink.Raise(ctx, events.Now(events.Event{Kind: events.InvoiceCreated, InvoiceID: inv.Name(), Invoice: inv})); err != nil {
		logctx.Warn(ctx, "raising InvoiceCreated", zap.Error(err))
	}
	for i := range missing {
		label := missing[i]
		if err := sink.Raise(ctx, events.Now(events.Event{Kind: events.MissingParcel, InvoiceID: inv.Name(), Parcel: &label})); err != nil {
			logctx.Warn(ctx, "raising MissingParcel", zap.Error(err))
		}
	}
	status := http.StatusCreated
	if len(missing) > 0 {
		status = http.StatusAccepted
	}
	encodeBody(ctx, w, r, status, bindle.InvoiceCreateResponse{Invoice: *inv, Missing: missing})
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	id, err := bindle.ParseID(idStr)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if _, err := s.authorize(r, authz.OpGetInvoice, id.String()); err != nil {
			writeError(ctx, w, r, err)
			return
		}
		yankedOK := r.URL.Query().Get("yanked") == "true"
		var inv *bindle.Invoice
		if yankedOK {
			inv, err = s.Provider.GetYankedInvoice(ctx, id)
		} else {
			inv, err = s.Provider.GetInvoice(ctx, id)
		}
		if err != nil {
			writeError(ctx, w, r, err)
			return
		}
		s.writeInvoice(w, r, inv)
	case http.MethodDelete:
		if _, err := s.authorize(r, authz.OpYankInvoice, id.String()); err != nil {
			writeError(ctx, w, r, err)
			return
		}
		s.handleYank(w, r, id)
	default:
		writeError(ctx, w, r, bindle.ErrNotFound{Type: "route", Key: r.URL.Path})
	}
}

// writeInvoice sends the invoice body in the negotiated encoding; TOML
// responses use the canonical serialization.
func (s *Server) writeInvoice(w http.ResponseWriter, r *http.Request, inv *bindle.Invoice) {
	ctx := r.Context()
	if wantsCBOR(r) {
		encodeBody(ctx, w, r, http.StatusOK, inv)
		return
	}
	data := bindle.MarshalInvoice(inv)
	w.Header().Set("Content-Type", MediaTypeTOML)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		logctx.Warn(ctx, "writing invoice response", zap.Error(err))
	}
}

// yankRequest is the optional DELETE body carrying a reason and the yank
// signatures to append.
type yankRequest struct {
	Reason          string             `toml:"reason,omitempty" json:"reason,omitempty"`
	YankedSignature []bindle.Signature `toml:"yankedSignature,omitempty" json:"yankedSignature,omitempty"`
}

func (s *Server) handleYank(w http.ResponseWriter, r *http.Request, id bindle.ID) {
	ctx := r.Context()
	var req yankRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, s.maxBody(), &req); err != nil {
			writeError(ctx, w, r, err)
			return
		}
	}
	inv, err := s.Provider.GetYankedInvoice(ctx, id)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if inv.Yanked {
		// Yanking twice is a no-op success.
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.Keyring != nil && len(req.YankedSignature) > 0 {
		candidate := *inv
		candidate.YankedSignature = req.YankedSignature
		if err := s.Strategy.VerifyYank(&candidate, s.Keyring); err != nil {
			writeError(ctx, w, r, err)
			return
		}
	}
	if err := s.Provider.YankInvoice(ctx, id, req.Reason, req.YankedSignature); err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if err := s.sink().Raise(ctx, events.Now(events.Event{Kind: events.InvoiceYanked, InvoiceID: id.String()})); err != nil {
		logctx.Warn(ctx, "raising InvoiceYanked", zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleParcel(w http.ResponseWriter, r *http.Request, idStr, sha string) {
	ctx := r.Context()
	id, err := bindle.ParseID(idStr)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if _, err := s.authorize(r, authz.OpGetParcel, id.String()); err != nil {
			writeError(ctx, w, r, err)
			return
		}
		inv, err := s.Provider.GetInvoice(ctx, id)
		if err != nil {
			writeError(ctx, w, r, err)
			return
		}
		label, err := bindle.FindLabel(inv, sha)
		if err != nil {
			writeError(ctx, w, r, err)
			return
		}
		if r.Method == http.MethodHead {
			ok, err := s.Provider.ParcelExists(ctx, id, sha)
			if err != nil {
				writeError(ctx, w, r, err)
				return
			}
			if !ok {
				writeError(ctx, w, r, bindle.ErrNotFound{Type: "parcel", Key: sha})
				return
			}
			w.Header().Set("Content-Type", label.MediaType)
			w.Header().Set("Content-Length", strconv.FormatUint(label.Size, 10))
			w.WriteHeader(http.StatusOK)
			return
		}
		rc, err := s.Provider.GetParcel(ctx, id, sha)
		if err != nil {
			writeError(ctx, w, r, err)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", label.MediaType)
		w.Header().Set("Content-Length", strconv.FormatUint(label.Size, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			logctx.Warn(ctx, "streaming parcel", zap.String("sha", sha), zap.Error(err))
		}
	case http.MethodPost:
		if _, err := s.authorize(r, authz.OpCreateParcel, id.String()); err != nil {
			writeError(ctx, w, r, err)
			return
		}
		body := http.MaxBytesReader(w, r.Body, s.maxBody())
		if err := s.Provider.CreateParcel(ctx, id, sha, body); err != nil {
			writeError(ctx, w, r, err)
			return
		}
		label, _ := findParcelLabel(ctx, s.Provider, id, sha)
		if err := s.sink().Raise(ctx, events.Now(events.Event{Kind: events.ParcelCreated, InvoiceID: id.String(), Parcel: label})); err != nil {
			logctx.Warn(ctx, "raising ParcelCreated", zap.Error(err))
		}
		w.WriteHeader(http.StatusOK)
	default:
		writeError(ctx, w, r, bindle.ErrNotFound{Type: "route", Key: r.URL.Path})
	}
}

func findParcelLabel(ctx context.Context, p bindle.Provider, id bindle.ID, sha string) (*bindle.Label, error) {
	inv, err := p.GetYankedInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	label, err := bindle.FindLabel(inv, sha)
	if err != nil {
		return nil, err
	}
	return &label, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := s.authorize(r, authz.OpQuery, "")
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if r.Method != http.MethodGet {
		writeError(ctx, w, r, bindle.ErrNotFound{Type: "route", Key: r.URL.Path})
		return
	}
	params := r.URL.Query()
	opts := bindlesearch.DefaultSearchOptions()
	if v := params.Get("o"); v != "" {
		o, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(ctx, w, r, bindle.ErrBadQuery{Reason: "o must be a non-negative integer"})
			return
		}
		opts.Offset = o
	}
	if v := params.Get("l"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 0 {
			writeError(ctx, w, r, bindle.ErrBadQuery{Reason: "l must be a non-negative integer"})
			return
		}
		opts.Limit = l
	}
	opts.Strict = params.Get("strict") == "true"
	opts.Yanked = params.Get("yanked") == "true"

	matches, err := s.Search.Query(ctx, params.Get("q"), params.Get("v"), opts)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if s.Authz != nil {
		// The caller only sees what it may fetch.
		visible := matches.Invoices[:0]
		for _, inv := range matches.Invoices {
			if s.Authz.Authorize(identity, authz.OpGetInvoice, inv.Name()) == nil {
				visible = append(visible, inv)
			}
		}
		matches.Invoices = visible
	}
	encodeBody(ctx, w, r, http.StatusOK, matches)
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		writeError(ctx, w, r, bindle.ErrNotFound{Type: "route", Key: r.URL.Path})
		return
	}
	id, err := bindle.ParseID(idStr)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if _, err := s.authorize(r, authz.OpMissing, id.String()); err != nil {
		writeError(ctx, w, r, err)
		return
	}
	missing, err := bindle.MissingParcels(ctx, s.Provider, id)
	if err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if missing == nil {
		missing = []bindle.Label{}
	}
	encodeBody(ctx, w, r, http.StatusOK, bindle.MissingParcelsResponse{Missing: missing})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.authorize(r, authz.OpGetKeys, ""); err != nil {
		writeError(ctx, w, r, err)
		return
	}
	if r.Method != http.MethodGet {
		writeError(ctx, w, r, bindle.ErrNotFound{Type: "route", Key: r.URL.Path})
		return
	}
	ring := bindle.NewKeyRing()
	if s.Keyring != nil {
		roles := parseRoles(r.URL.Query().Get("roles"))
		for _, entry := range s.Keyring.Key {
			if len(roles) == 0 || hasAnyRole(entry, roles) {
				ring.Add(entry)
			}
		}
	}
	encodeBody(ctx, w, r, http.StatusOK, ring)
}

func parseRoles(raw string) []bindle.SignatureRole {
	if raw == "" {
		return nil
	}
	var roles []bindle.SignatureRole
	for _, part := range strings.Split(raw, ",") {
		if role, err := bindle.ParseRole(strings.TrimSpace(part)); err == nil {
			roles = append(roles, role)
		}
	}
	return roles
}

func hasAnyRole(entry bindle.KeyEntry, roles []bindle.SignatureRole) bool {
	for _, r := range roles {
		if entry.HasRole(r) {
			return true
		}
	}
	return false
}
