// Package authz decides whether an authenticated identity may perform an
// operation. Query results are filtered through the same check.
package authz

import (
	"bindle.dev/bindle/src/authn"
	"bindle.dev/bindle/src/bindle"
)

// Operation names one protocol operation for policy decisions.
type Operation string

const (
	OpCreateInvoice Operation = "create-invoice"
	OpGetInvoice    Operation = "get-invoice"
	OpYankInvoice   Operation = "yank-invoice"
	OpCreateParcel  Operation = "create-parcel"
	OpGetParcel     Operation = "get-parcel"
	OpQuery         Operation = "query"
	OpMissing       Operation = "missing"
	OpGetKeys       Operation = "get-keys"
)

// mutating reports whether the operation changes server state.
func (op Operation) mutating() bool {
	switch op {
	case OpCreateInvoice, OpYankInvoice, OpCreateParcel:
		return true
	}
	return false
}

// Authorizer is the policy hook invoked before every handler.
type Authorizer interface {
	Authorize(id authn.Identity, op Operation, target string) error
}

// Always allows every operation.
type Always struct{}

func (Always) Authorize(id authn.Identity, op Operation, target string) error { return nil }

// AnonymousGet allows reads for everyone but requires a non-anonymous
// identity for mutations.
type AnonymousGet struct{}

func (AnonymousGet) Authorize(id authn.Identity, op Operation, target string) error {
	if op.mutating() && id.Anonymous {
		return bindle.ErrUnauthorized{Reason: "this operation requires authentication"}
	}
	return nil
}
