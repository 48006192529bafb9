package bindle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	for _, good := range []string{
		"foo/1.0.0",
		"example.com/foo/1.0.0",
		"example.com/a/long/path/foo/1.0.0",
		"example.com/foo/1.0.0-rc.1",
	} {
		_, err := ParseID(good)
		require.NoError(t, err, good)
	}
	for _, bad := range []string{
		"foo/",
		"1.0.0",
		"/1.0.0",
		"foo/notaversion",
		"",
	} {
		_, err := ParseID(bad)
		require.Error(t, err, bad)
		require.True(t, IsErrInvalidID(err), bad)
	}
}

func TestIDParts(t *testing.T) {
	id, err := ParseID("example.com/a/long/path/foo/1.10.0-rc.1")
	require.NoError(t, err)
	require.Equal(t, "example.com/a/long/path/foo", id.Name())
	require.Equal(t, "1.10.0-rc.1", id.VersionString())
	require.Equal(t, "example.com/a/long/path/foo/1.10.0-rc.1", id.String())
}

func TestIDSha(t *testing.T) {
	id, err := ParseID("example.com/hello/0.1.0")
	require.NoError(t, err)
	require.Equal(t, "106f5594af336e3002604328cfa101b00b06899676f56eca5f7392f7fc81beee", id.Sha())

	id2, err := ParseID("foo/1.2.3")
	require.NoError(t, err)
	require.Equal(t, "44ddde3530d1fb745093066fff4d37c499485c25474a942b5d4241d7ce594dfc", id2.Sha())
}

func TestIDText(t *testing.T) {
	id, err := ParseID("foo/1.2.3")
	require.NoError(t, err)
	data, err := id.MarshalText()
	require.NoError(t, err)
	var id2 ID
	require.NoError(t, id2.UnmarshalText(data))
	require.Equal(t, id, id2)
}
