package bindle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const pathSeparator = "/"

// ID identifies a bindle. It is composed of a name (which may itself contain
// path separators) and a SemVer version. The version is always the trailing
// path segment.
//
// Examples of valid ID strings:
//
//	foo/0.1.0
//	example.com/foo/1.2.3
//	example.com/a/longer/path/foo/1.10.0-rc.1
type ID struct {
	name    string
	version *semver.Version
}

// ParseID parses an ID from a NAME/VERSION string.
// The portion after the last separator must be a valid SemVer version.
func ParseID(s string) (ID, error) {
	i := strings.LastIndex(s, pathSeparator)
	if i < 0 {
		return ID{}, ErrInvalidID{ID: s, Reason: "an ID must be NAME/VERSION"}
	}
	name, verStr := s[:i], s[i+1:]
	if name == "" || verStr == "" {
		return ID{}, ErrInvalidID{ID: s, Reason: "name and version must both be non-empty"}
	}
	ver, err := semver.StrictNewVersion(verStr)
	if err != nil {
		return ID{}, ErrInvalidID{ID: s, Reason: fmt.Sprintf("not a valid semantic version: %q", verStr)}
	}
	return ID{name: name, version: ver}, nil
}

// NewID constructs an ID from an already separated name and version.
func NewID(name, version string) (ID, error) {
	return ParseID(name + pathSeparator + version)
}

// Name returns the name part of the ID.
func (id ID) Name() string { return id.name }

// Version returns the parsed version part of the ID.
func (id ID) Version() *semver.Version { return id.version }

// VersionString returns the version exactly as it was written.
func (id ID) VersionString() string {
	if id.version == nil {
		return ""
	}
	return id.version.Original()
}

func (id ID) String() string {
	return id.name + pathSeparator + id.VersionString()
}

// Sha returns the canonical identity of the bindle: the lowercase hex SHA-256
// of NAME + "/" + VERSION. Storage layers key invoices by this value rather
// than the raw name, which keeps the storage layout free of naming constraints.
func (id ID) Sha() string {
	h := sha256.New()
	h.Write([]byte(id.name))
	h.Write([]byte(pathSeparator))
	h.Write([]byte(id.VersionString()))
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(data []byte) error {
	parsed, err := ParseID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
