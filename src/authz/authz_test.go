package authz

import (
	"testing"

	"bindle.dev/bindle/src/authn"
	"github.com/stretchr/testify/require"
)

func TestAnonymousGet(t *testing.T) {
	policy := AnonymousGet{}
	anon := authn.Identity{Anonymous: true}
	user := authn.Identity{Name: "alice"}

	for _, op := range []Operation{OpGetInvoice, OpGetParcel, OpQuery, OpMissing, OpGetKeys} {
		require.NoError(t, policy.Authorize(anon, op, ""), string(op))
	}
	for _, op := range []Operation{OpCreateInvoice, OpYankInvoice, OpCreateParcel} {
		require.Error(t, policy.Authorize(anon, op, ""), string(op))
		require.NoError(t, policy.Authorize(user, op, ""), string(op))
	}
}

func TestAlways(t *testing.T) {
	require.NoError(t, Always{}.Authorize(authn.Identity{Anonymous: true}, OpCreateInvoice, ""))
}
