// Package bindlehttp maps the bindle protocol onto HTTP. Server exposes a
// provider, search engine, and keyring as an http.Handler; Client speaks the
// same protocol against a remote server.
//
// Bodies are TOML by default. Clients may negotiate the binary CBOR encoding
// with Accept / Content-Type headers.
package bindlehttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"bindle.dev/bindle/src/bindle"
	"github.com/fxamacker/cbor/v2"
	"github.com/pelletier/go-toml/v2"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

const (
	// MediaTypeTOML is the default body encoding.
	MediaTypeTOML = "application/toml"
	// MediaTypeCBOR is the alternate binary body encoding.
	MediaTypeCBOR = "application/cbor"
)

// EnvServerURL names the environment variable clients read for the default
// server URL.
const EnvServerURL = "BINDLE_URL"

func wantsCBOR(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), MediaTypeCBOR)
}

func sentCBOR(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Type"), MediaTypeCBOR)
}

// encodeBody writes v in the encoding the request asked for.
func encodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	var data []byte
	var err error
	contentType := MediaTypeTOML
	if wantsCBOR(r) {
		contentType = MediaTypeCBOR
		data, err = cbor.Marshal(v)
	} else {
		data, err = toml.Marshal(v)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		logctx.Warn(ctx, "writing http response", zap.Error(err))
	}
}

// decodeBody reads the request body in the encoding the client declared.
func decodeBody(r *http.Request, limit int64, v interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, limit)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return bindle.ErrRequestTooLarge{Limit: tooLarge.Limit}
		}
		return err
	}
	if sentCBOR(r) {
		if err := cbor.Unmarshal(data, v); err != nil {
			return bindle.ErrInvalidManifest{Reason: err.Error()}
		}
		return nil
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return bindle.ErrInvalidManifest{Reason: err.Error()}
	}
	return nil
}

// decodeInvoiceBody decodes an invoice request body, using the strict
// canonical parser for TOML.
func decodeInvoiceBody(r *http.Request, limit int64) (*bindle.Invoice, error) {
	body := http.MaxBytesReader(nil, r.Body, limit)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, bindle.ErrRequestTooLarge{Limit: tooLarge.Limit}
		}
		return nil, err
	}
	if sentCBOR(r) {
		var inv bindle.Invoice
		if err := cbor.Unmarshal(data, &inv); err != nil {
			return nil, bindle.ErrInvalidManifest{Reason: err.Error()}
		}
		return &inv, nil
	}
	return bindle.ParseInvoice(data)
}

// writeError encodes the error taxonomy onto HTTP statuses with an
// `error = "..."` body.
func writeError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		logctx.Error(ctx, "internal error serving request", zap.String("path", r.URL.Path), zap.Error(err))
		// Internal detail stays out of the response body.
		encodeBody(ctx, w, r, status, bindle.ErrorResponse{Error: "internal server error"})
		return
	}
	encodeBody(ctx, w, r, status, bindle.ErrorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch {
	case bindle.IsErrNotFound(err) || bindle.IsErrInvalidID(err):
		return http.StatusNotFound
	case bindle.IsErrAlreadyExists(err) || bindle.IsErrWriteInProgress(err):
		return http.StatusConflict
	case bindle.IsErrYanked(err) || bindle.IsErrCreateYanked(err) || bindle.IsErrForbidden(err):
		return http.StatusForbidden
	case bindle.IsErrUnauthorized(err):
		return http.StatusUnauthorized
	case bindle.IsErrRequestTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case bindle.IsErrInvalidManifest(err),
		bindle.IsErrDigestMismatch(err),
		bindle.IsErrSizeMismatch(err),
		bindle.IsErrBadQuery(err),
		bindle.IsErrBadRange(err),
		bindle.IsErrCycleDetected(err),
		bindle.IsErrConflictingFilter(err),
		bindle.IsErrBadSignature(err),
		bindle.IsErrUnknownKey(err),
		bindle.IsErrInsufficientSignatures(err),
		bindle.IsErrRoleNotPermitted(err),
		bindle.IsErrDuplicateSignature(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
