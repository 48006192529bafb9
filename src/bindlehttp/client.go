package bindlehttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/bindlesearch"
	"github.com/pelletier/go-toml/v2"
)

var _ bindle.Provider = &Client{}

// Client speaks the bindle protocol against a remote server. It satisfies the
// provider contract, so anything that works against local storage works
// against a server.
type Client struct {
	hc    *http.Client
	base  string
	token string
}

// NewClient returns a client for the server at base. An empty base falls back
// to the BINDLE_URL environment variable; a nil http.Client uses the default.
func NewClient(hc *http.Client, base string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if base == "" {
		base = os.Getenv(EnvServerURL)
	}
	return &Client{hc: hc, base: strings.TrimSuffix(base, "/")}
}

// WithToken returns a copy of the client that sends the bearer token on every
// request.
func (c *Client) WithToken(token string) *Client {
	c2 := *c
	c2.token = token
	return &c2
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// decodeError converts a server error response into the error taxonomy. The
// wire only carries a status and a message, so classification of 400s and
// 403s leans on the message text.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var er bindle.ErrorResponse
	if err := toml.Unmarshal(data, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(data))
	}
	msg := er.Error
	switch resp.StatusCode {
	case http.StatusNotFound:
		return bindle.ErrNotFound{Type: "resource", Key: msg}
	case http.StatusConflict:
		return bindle.ErrAlreadyExists{ID: msg}
	case http.StatusUnauthorized:
		return bindle.ErrUnauthorized{Reason: msg}
	case http.StatusForbidden:
		if strings.Contains(msg, "yanked") {
			return bindle.ErrYanked{ID: msg}
		}
		return bindle.ErrForbidden{Reason: msg}
	case http.StatusRequestEntityTooLarge:
		return bindle.ErrRequestTooLarge{}
	case http.StatusBadRequest:
		switch {
		case strings.Contains(msg, "digest mismatch"):
			return bindle.ErrDigestMismatch{}
		case strings.Contains(msg, "size mismatch"):
			return bindle.ErrSizeMismatch{}
		default:
			return bindle.ErrInvalidManifest{Reason: msg}
		}
	default:
		return fmt.Errorf("server responded %d: %s", resp.StatusCode, msg)
	}
}

// CreateInvoiceFull posts an invoice and returns the server's full response,
// including the created invoice and any missing parcels.
func (c *Client) CreateInvoiceFull(ctx context.Context, inv *bindle.Invoice) (*bindle.InvoiceCreateResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/_i", bytes.NewReader(bindle.MarshalInvoice(inv)), MediaTypeTOML)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out bindle.InvoiceCreateResponse
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling create response: %w", err)
	}
	return &out, nil
}

func (c *Client) CreateInvoice(ctx context.Context, inv *bindle.Invoice) ([]bindle.Label, error) {
	resp, err := c.CreateInvoiceFull(ctx, inv)
	if err != nil {
		return nil, err
	}
	return resp.Missing, nil
}

func (c *Client) getInvoice(ctx context.Context, id bindle.ID, yanked bool) (*bindle.Invoice, error) {
	path := "/_i/" + id.String()
	if yanked {
		path += "?yanked=true"
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return bindle.ParseInvoice(data)
}

func (c *Client) GetInvoice(ctx context.Context, id bindle.ID) (*bindle.Invoice, error) {
	return c.getInvoice(ctx, id, false)
}

func (c *Client) GetYankedInvoice(ctx context.Context, id bindle.ID) (*bindle.Invoice, error) {
	return c.getInvoice(ctx, id, true)
}

func (c *Client) YankInvoice(ctx context.Context, id bindle.ID, reason string, sigs []bindle.Signature) error {
	var body io.Reader
	contentType := ""
	if reason != "" || len(sigs) > 0 {
		data, err := toml.Marshal(yankRequest{Reason: reason, YankedSignature: sigs})
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = MediaTypeTOML
	}
	resp, err := c.do(ctx, http.MethodDelete, "/_i/"+id.String(), body, contentType)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) CreateParcel(ctx context.Context, id bindle.ID, sha string, data io.Reader) error {
	resp, err := c.do(ctx, http.MethodPost, "/_i/"+id.String()+"@"+sha, data, "application/octet-stream")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) GetParcel(ctx context.Context, id bindle.ID, sha string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_i/"+id.String()+"@"+sha, nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) ParcelExists(ctx context.Context, id bindle.ID, sha string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/_i/"+id.String()+"@"+sha, nil, "")
	if err != nil {
		if bindle.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// MissingParcels asks the server which of the invoice's parcels it still
// needs.
func (c *Client) MissingParcels(ctx context.Context, id bindle.ID) ([]bindle.Label, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_r/missing/"+id.String(), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out bindle.MissingParcelsResponse
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling missing response: %w", err)
	}
	return out.Missing, nil
}

// Query runs a search against the server.
func (c *Client) Query(ctx context.Context, opts bindle.QueryOptions) (*bindlesearch.Matches, error) {
	params := url.Values{}
	if opts.Query != "" {
		params.Set("q", opts.Query)
	}
	if opts.Version != "" {
		params.Set("v", opts.Version)
	}
	if opts.Offset > 0 {
		params.Set("o", fmt.Sprint(opts.Offset))
	}
	if opts.Limit > 0 {
		params.Set("l", fmt.Sprint(opts.Limit))
	}
	if opts.Strict {
		params.Set("strict", "true")
	}
	if opts.Yanked {
		params.Set("yanked", "true")
	}
	path := "/_q"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out bindlesearch.Matches
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling query response: %w", err)
	}
	return &out, nil
}

// GetKeys fetches the server's published keyring.
func (c *Client) GetKeys(ctx context.Context, roles []bindle.SignatureRole) (*bindle.KeyRing, error) {
	path := "/bindle-keys"
	if len(roles) > 0 {
		parts := make([]string, len(roles))
		for i, r := range roles {
			parts[i] = string(r)
		}
		path += "?roles=" + strings.Join(parts, ",")
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var ring bindle.KeyRing
	if err := toml.Unmarshal(data, &ring); err != nil {
		return nil, fmt.Errorf("unmarshaling keyring: %w", err)
	}
	return &ring, nil
}
