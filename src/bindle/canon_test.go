package bindle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fullInvoice() *Invoice {
	return &Invoice{
		BindleVersion: BindleVersion1,
		Bindle: BindleSpec{
			Name:        "example.com/app",
			Version:     "1.2.3",
			Description: "a test fixture",
			Authors:     []string{"m butcher"},
		},
		Annotations: AnnotationMap{"team": "platform"},
		Group: []Group{
			{Name: "cli", Required: true, SatisfiedBy: SatisfyOneOf},
			{Name: "utility", SatisfiedBy: SatisfyOptional},
		},
		Parcel: []Parcel{
			{
				Label: Label{
					SHA256:    "aaabbbcccdddeeefff",
					MediaType: "image/gif",
					Name:      "telescope.gif",
					Size:      123456,
					Feature:   FeatureMap{"wasm": {"target": "wasm32-wasi"}},
				},
				Conditions: &Condition{MemberOf: []string{"cli"}},
			},
			{
				Label: Label{
					SHA256:      "111aaabbbcccdddeee",
					MediaType:   "text/plain",
					Name:        "telescope.txt",
					Size:        123456,
					Annotations: AnnotationMap{"note": "docs"},
				},
				Conditions: &Condition{MemberOf: []string{"utility"}},
			},
		},
	}
}

func TestInvoiceRoundTrip(t *testing.T) {
	inv := fullInvoice()
	data := MarshalInvoice(inv)
	parsed, err := ParseInvoice(data)
	require.NoError(t, err)
	require.Equal(t, inv, parsed)

	// Canonical emission is a fixed point.
	require.Equal(t, data, MarshalInvoice(parsed))
}

func TestInvoiceCanonicalOrder(t *testing.T) {
	data := string(MarshalInvoice(fullInvoice()))
	order := []string{
		"bindleVersion", "[bindle]", "[annotations]",
		"[[group]]", "[[parcel]]", "[parcel.label]",
	}
	last := -1
	for _, marker := range order {
		i := strings.Index(data, marker)
		require.GreaterOrEqual(t, i, 0, marker)
		require.Greater(t, i, last, "%s out of order", marker)
		last = i
	}
	for _, line := range strings.Split(data, "\n") {
		require.Equal(t, strings.TrimRight(line, " \t"), line, "trailing whitespace")
	}
}

func TestParseInvoiceFromText(t *testing.T) {
	raw := `
bindleVersion = "1.0.0"

[bindle]
name = "aricebo"
version = "1.2.3"

[[group]]
name = "telescopes"

[[parcel]]
[parcel.label]
sha256 = "aaabbbcccdddeeefff"
name = "telescope.gif"
mediaType = "image/gif"
size = 123456
[parcel.conditions]
memberOf = ["telescopes"]

[[parcel]]
[parcel.label]
sha256 = "111aaabbbcccdddeee"
name = "telescope.txt"
mediaType = "text/plain"
size = 123456
`
	inv, err := ParseInvoice([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "aricebo", inv.Bindle.Name)
	require.Len(t, inv.Parcel, 2)
	require.True(t, inv.Parcel[0].MemberOf("telescopes"))
	require.False(t, inv.Parcel[0].IsGlobalGroup())
	require.True(t, inv.Parcel[1].IsGlobalGroup())
	require.Len(t, inv.GroupMembers("telescopes"), 1)
	require.NoError(t, Validate(inv))
}

func TestParseInvoiceUnknownField(t *testing.T) {
	raw := `
bindleVersion = "1.0.0"
mystery = true

[bindle]
name = "aricebo"
version = "1.2.3"
`
	_, err := ParseInvoice([]byte(raw))
	require.True(t, IsErrInvalidManifest(err), "got %v", err)
}

func TestValidate(t *testing.T) {
	base := func() *Invoice { return fullInvoice() }

	t.Run("OK", func(t *testing.T) {
		require.NoError(t, Validate(base()))
	})
	t.Run("BadBindleVersion", func(t *testing.T) {
		inv := base()
		inv.BindleVersion = "2.0.0"
		requireManifestErr(t, Validate(inv), "bindleVersion")
	})
	t.Run("BadName", func(t *testing.T) {
		inv := base()
		inv.Bindle.Name = "bindle:reserved"
		requireManifestErr(t, Validate(inv), "bindle.name")

		inv.Bindle.Name = "has space"
		requireManifestErr(t, Validate(inv), "bindle.name")
	})
	t.Run("BadVersion", func(t *testing.T) {
		inv := base()
		inv.Bindle.Version = "not-semver"
		requireManifestErr(t, Validate(inv), "bindle.version")
	})
	t.Run("UnknownGroupRef", func(t *testing.T) {
		inv := base()
		inv.Parcel[0].Conditions.MemberOf = []string{"nope"}
		requireManifestErr(t, Validate(inv), "memberOf")
	})
	t.Run("DuplicateSha", func(t *testing.T) {
		inv := base()
		inv.Parcel[1].Label.SHA256 = inv.Parcel[0].Label.SHA256
		requireManifestErr(t, Validate(inv), "sha256")
	})
	t.Run("DuplicateGroup", func(t *testing.T) {
		inv := base()
		inv.Group = append(inv.Group, Group{Name: "cli"})
		requireManifestErr(t, Validate(inv), "group.name")
	})
	t.Run("Cycle", func(t *testing.T) {
		// A parcel that is a member of the group it requires.
		inv := base()
		inv.Parcel[0].Conditions.Requires = []string{"cli"}
		err := Validate(inv)
		require.True(t, IsErrCycleDetected(err), "got %v", err)
	})
	t.Run("RequiresWithoutCycle", func(t *testing.T) {
		inv := base()
		inv.Parcel[0].Conditions.Requires = []string{"utility"}
		require.NoError(t, Validate(inv))
	})
}

func requireManifestErr(t *testing.T, err error, fieldSubstr string) {
	t.Helper()
	require.True(t, IsErrInvalidManifest(err), "got %v", err)
	require.Contains(t, err.Error(), fieldSubstr)
}

func TestLabelRoundTrip(t *testing.T) {
	l := Label{
		SHA256:      "abc123",
		MediaType:   "text/toml",
		Name:        "foo.toml",
		Size:        101,
		Origin:      "upstream/app/0.9.0",
		Annotations: AnnotationMap{"k": "v"},
		Feature:     FeatureMap{"wasm": {"target": "wasm32-wasi"}},
	}
	parsed, err := ParseLabel(MarshalLabel(l))
	require.NoError(t, err)
	require.Equal(t, &l, parsed)
}

func TestStringEscaping(t *testing.T) {
	inv := NewInvoice(BindleSpec{
		Name:        "app",
		Version:     "1.0.0",
		Description: "line one\nline \"two\"\\end",
	})
	parsed, err := ParseInvoice(MarshalInvoice(inv))
	require.NoError(t, err)
	require.Equal(t, inv.Bindle.Description, parsed.Bindle.Description)
}

func TestVersionInRange(t *testing.T) {
	inv := NewInvoice(BindleSpec{Name: "app", Version: "1.2.3"})
	for _, req := range []string{"", "1.2.3", "=1.2.3", "^1.1", "~1.2", ">=1.0.0 <2.0.0", "1.0.0 - 2.0.0"} {
		require.True(t, inv.VersionInRange(req), req)
	}
	for _, req := range []string{"2", "%^&%^&%", "<1.0.0"} {
		require.False(t, inv.VersionInRange(req), req)
	}
}
