package bindle

// InvoiceCreateResponse is returned from invoice creation. Because invoices
// can be created before their parcels are uploaded, Missing tells the client
// which parcels the server still needs.
type InvoiceCreateResponse struct {
	Invoice Invoice `toml:"invoice" json:"invoice"`
	Missing []Label `toml:"missing,omitempty" json:"missing,omitempty"`
}

// MissingParcelsResponse is returned from the relationship endpoint. The text
// encoding has no top-level arrays, so the list is embedded in a table.
type MissingParcelsResponse struct {
	Missing []Label `toml:"missing" json:"missing"`
}

// ErrorResponse is the error body returned by a server.
type ErrorResponse struct {
	Error string `toml:"error" json:"error"`
}

// QueryOptions carries the query-string options of the query endpoint.
type QueryOptions struct {
	Query   string `toml:"q,omitempty" json:"q,omitempty"`
	Version string `toml:"v,omitempty" json:"v,omitempty"`
	Offset  uint64 `toml:"o,omitempty" json:"o,omitempty"`
	Limit   int    `toml:"l,omitempty" json:"l,omitempty"`
	Strict  bool   `toml:"strict,omitempty" json:"strict,omitempty"`
	Yanked  bool   `toml:"yanked,omitempty" json:"yanked,omitempty"`
}
