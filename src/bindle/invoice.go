package bindle

import (
	"github.com/Masterminds/semver/v3"
)

// BindleVersion1 is the only specification version this package understands.
const BindleVersion1 = "1.0.0"

// FeatureMap is the nested section -> name -> value metadata on a label.
type FeatureMap = map[string]map[string]string

// AnnotationMap holds free-form string annotations.
type AnnotationMap = map[string]string

// Invoice describes a specific version of a bindle. The bindle
// `foo/bar/1.0.0` is represented as an Invoice whose spec name is `foo/bar`
// and version `1.0.0`.
//
// Once stored, an invoice is immutable except that Yanked may transition from
// false to true (with yank signatures appended at the same time).
type Invoice struct {
	BindleVersion   string        `toml:"bindleVersion" json:"bindleVersion"`
	Yanked          bool          `toml:"yanked,omitempty" json:"yanked,omitempty"`
	YankedReason    string        `toml:"yankedReason,omitempty" json:"yankedReason,omitempty"`
	Bindle          BindleSpec    `toml:"bindle" json:"bindle"`
	Annotations     AnnotationMap `toml:"annotations,omitempty" json:"annotations,omitempty"`
	Group           []Group       `toml:"group,omitempty" json:"group,omitempty"`
	Parcel          []Parcel      `toml:"parcel,omitempty" json:"parcel,omitempty"`
	Signature       []Signature   `toml:"signature,omitempty" json:"signature,omitempty"`
	YankedSignature []Signature   `toml:"yankedSignature,omitempty" json:"yankedSignature,omitempty"`
}

// BindleSpec names a bindle and carries its optional metadata.
type BindleSpec struct {
	Name        string   `toml:"name" json:"name"`
	Version     string   `toml:"version" json:"version"`
	Description string   `toml:"description,omitempty" json:"description,omitempty"`
	Authors     []string `toml:"authors,omitempty" json:"authors,omitempty"`
}

// ID parses the name and version into an ID.
func (bs BindleSpec) ID() (ID, error) {
	return NewID(bs.Name, bs.Version)
}

// Satisfaction rules for groups.
const (
	SatisfyAllOf    = "allOf"
	SatisfyOneOf    = "oneOf"
	SatisfyOptional = "optional"
	// SatisfyAnyOf is accepted on the wire as an alias for optional.
	SatisfyAnyOf = "anyOf"
)

// Group is a named set of parcels with a satisfaction rule. Every parcel
// belongs to at least one group; parcels without explicit membership belong to
// the unnamed global group.
type Group struct {
	Name        string `toml:"name" json:"name"`
	Required    bool   `toml:"required,omitempty" json:"required,omitempty"`
	SatisfiedBy string `toml:"satisfiedBy,omitempty" json:"satisfiedBy,omitempty"`
}

// Satisfaction normalizes SatisfiedBy, defaulting to allOf and folding the
// anyOf alias into optional.
func (g Group) Satisfaction() string {
	switch g.SatisfiedBy {
	case "", SatisfyAllOf:
		return SatisfyAllOf
	case SatisfyAnyOf, SatisfyOptional:
		return SatisfyOptional
	default:
		return g.SatisfiedBy
	}
}

// Condition associates a parcel to groups.
type Condition struct {
	MemberOf []string `toml:"memberOf,omitempty" json:"memberOf,omitempty"`
	Requires []string `toml:"requires,omitempty" json:"requires,omitempty"`
}

// Parcel is an invoice's reference to a content-addressed blob, carrying the
// blob's label and the conditions tying it to groups.
type Parcel struct {
	Label      Label      `toml:"label" json:"label"`
	Conditions *Condition `toml:"conditions,omitempty" json:"conditions,omitempty"`
}

// MemberOf reports whether the parcel is a member of the named group.
func (p Parcel) MemberOf(group string) bool {
	if p.Conditions == nil {
		return false
	}
	for _, g := range p.Conditions.MemberOf {
		if g == group {
			return true
		}
	}
	return false
}

// IsGlobalGroup reports whether the parcel belongs to the unnamed global
// group, which is the case exactly when it declares no memberships.
func (p Parcel) IsGlobalGroup() bool {
	return p.Conditions == nil || len(p.Conditions.MemberOf) == 0
}

// NewInvoice returns an invoice with the given spec and no parcels, groups, or
// signatures.
func NewInvoice(spec BindleSpec) *Invoice {
	return &Invoice{
		BindleVersion: BindleVersion1,
		Bindle:        spec,
	}
}

// ID returns the parsed bindle ID for this invoice.
func (inv *Invoice) ID() (ID, error) {
	return inv.Bindle.ID()
}

// Name produces the slash-delimited invoice name, e.g. "hello/1.2.3".
func (inv *Invoice) Name() string {
	return inv.Bindle.Name + pathSeparator + inv.Bindle.Version
}

// CanonicalName returns the identity hash used as the storage key for this
// invoice. It is the SHA-256 of the name/version pair, which keeps naming
// constraints and path traversal concerns out of the storage layout.
func (inv *Invoice) CanonicalName() (string, error) {
	id, err := inv.ID()
	if err != nil {
		return "", err
	}
	return id.Sha(), nil
}

// HasGroup reports whether a group by this name is declared.
func (inv *Invoice) HasGroup(name string) bool {
	for _, g := range inv.Group {
		if g.Name == name {
			return true
		}
	}
	return false
}

// GroupMembers returns all parcels that are members of the named group.
func (inv *Invoice) GroupMembers(name string) []Parcel {
	var out []Parcel
	for _, p := range inv.Parcel {
		if p.MemberOf(name) {
			out = append(out, p)
		}
	}
	return out
}

// VersionInRange compares a SemVer requirement string to this invoice's
// version. An empty requirement matches anything. A requirement that fails to
// parse, or a version that fails to parse, matches nothing.
func (inv *Invoice) VersionInRange(requirement string) bool {
	if requirement == "" {
		return true
	}
	ver, err := semver.NewVersion(inv.Bindle.Version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(requirement)
	if err != nil {
		return false
	}
	return c.Check(ver)
}
