package bindlecmd

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/star"
)

func runCmd(t *testing.T, args []string) string {
	ctx := testutil.Context(t)
	stdin := bufio.NewReader(bytes.NewReader(nil))
	var out bytes.Buffer
	stdout := bufio.NewWriter(&out)
	stderr := bufio.NewWriter(&out)
	err := star.Run(ctx, Root(), map[string]string{}, "bindle", args, stdin, stdout, stderr)
	require.NoError(t, err)
	require.NoError(t, stdout.Flush())
	require.NoError(t, stderr.Flush())
	return out.String()
}

func TestInvoiceName(t *testing.T) {
	inv := bindle.NewInvoice(bindle.BindleSpec{Name: "example.com/hello", Version: "0.1.0"})
	path := filepath.Join(t.TempDir(), "invoice.toml")
	require.NoError(t, os.WriteFile(path, bindle.MarshalInvoice(inv), 0o644))

	out := runCmd(t, []string{"invoice-name", path})
	require.Equal(t, "106f5594af336e3002604328cfa101b00b06899676f56eca5f7392f7fc81beee", strings.TrimSpace(out))
}

func TestKeyringAdd(t *testing.T) {
	key, err := bindle.NewSecretKeyEntry("upstream host", []bindle.SignatureRole{bindle.RoleHost})
	require.NoError(t, err)
	pub, err := key.PublicKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keyring.toml")
	out := runCmd(t, []string{"keyring", "add", "--ring", path, "--roles", "host", "upstream host", pub})
	require.Contains(t, out, "upstream host")

	ring, err := bindle.LoadKeyRing(path)
	require.NoError(t, err)
	require.Len(t, ring.Key, 1)
	require.Equal(t, pub, ring.Key[0].Key)
	require.True(t, ring.Key[0].HasRole(bindle.RoleHost))

	// Adding the same key again replaces rather than duplicates.
	runCmd(t, []string{"keyring", "add", "--ring", path, "--roles", "host,verifier", "upstream host", pub})
	ring, err = bindle.LoadKeyRing(path)
	require.NoError(t, err)
	require.Len(t, ring.Key, 1)
	require.True(t, ring.Key[0].HasRole(bindle.RoleVerifier))
}

func TestCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.toml")
	out := runCmd(t, []string{"create-key", "--file", path, "--roles", "creator,host", "test key"})
	require.Contains(t, out, "PUBLIC KEY:")

	keys, err := bindle.LoadSecretKeyFile(path)
	require.NoError(t, err)
	require.Len(t, keys.Key, 1)
	require.Equal(t, "test key", keys.Key[0].Label)
	require.Equal(t, []bindle.SignatureRole{bindle.RoleCreator, bindle.RoleHost}, keys.Key[0].Roles)
}
