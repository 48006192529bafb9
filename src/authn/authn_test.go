package authn

import (
	"net/http"
	"testing"

	"bindle.dev/bindle/src/bindle"
	"github.com/stretchr/testify/require"
)

func newRequest(t *testing.T) *http.Request {
	r, err := http.NewRequest(http.MethodGet, "http://localhost/_q", nil)
	require.NoError(t, err)
	return r
}

func TestAnonymous(t *testing.T) {
	id, err := Anonymous{}.Authenticate(newRequest(t))
	require.NoError(t, err)
	require.True(t, id.Anonymous)
}

func TestBasic(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	b := NewBasic(map[string]string{"alice": hash})

	r := newRequest(t)
	r.SetBasicAuth("alice", "hunter2")
	id, err := b.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "alice", id.Name)
	require.False(t, id.Anonymous)

	r = newRequest(t)
	r.SetBasicAuth("alice", "wrong")
	_, err = b.Authenticate(r)
	require.True(t, bindle.IsErrUnauthorized(err), "got %v", err)

	r = newRequest(t)
	r.SetBasicAuth("mallory", "hunter2")
	_, err = b.Authenticate(r)
	require.True(t, bindle.IsErrUnauthorized(err), "got %v", err)

	// No credentials at all is anonymous, not an error.
	id, err = b.Authenticate(newRequest(t))
	require.NoError(t, err)
	require.True(t, id.Anonymous)
}

func TestParseHtpasswd(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	b, err := ParseHtpasswd("# users\n\nbob:" + hash + "\n")
	require.NoError(t, err)

	r := newRequest(t)
	r.SetBasicAuth("bob", "s3cret")
	id, err := b.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "bob", id.Name)

	_, err = ParseHtpasswd("no-colon-here")
	require.Error(t, err)
}

func TestToken(t *testing.T) {
	tok := NewToken(map[string]string{"abc123": "carol"})

	r := newRequest(t)
	r.Header.Set("Authorization", "Bearer abc123")
	id, err := tok.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "carol", id.Name)

	r = newRequest(t)
	r.Header.Set("Authorization", "Bearer nope")
	_, err = tok.Authenticate(r)
	require.True(t, bindle.IsErrUnauthorized(err), "got %v", err)

	id, err = tok.Authenticate(newRequest(t))
	require.NoError(t, err)
	require.True(t, id.Anonymous)
}
