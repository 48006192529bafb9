package bindle

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
)

// This file implements the canonical text encoding of invoices and labels.
//
// Parsing accepts any valid TOML rendering of the documented shape. Emission
// is canonical: keys in a fixed order, tables in declaration order, escaped
// strings, no trailing whitespace. All signers and verifiers must agree on
// this encoding, since the signing preimage is the canonical serialization of
// the invoice with the signature and yank fields excluded.

// ParseInvoice decodes an invoice from its text encoding. Unknown fields are
// rejected.
func ParseInvoice(data []byte) (*Invoice, error) {
	var inv Invoice
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inv); err != nil {
		return nil, ErrInvalidManifest{Reason: err.Error()}
	}
	return &inv, nil
}

// MarshalInvoice emits the canonical encoding of the invoice.
func MarshalInvoice(inv *Invoice) []byte {
	var b strings.Builder
	writeKV(&b, "bindleVersion", tomlString(inv.BindleVersion))
	if inv.Yanked {
		writeKV(&b, "yanked", "true")
	}
	if inv.YankedReason != "" {
		writeKV(&b, "yankedReason", tomlString(inv.YankedReason))
	}

	b.WriteString("\n[bindle]\n")
	writeKV(&b, "name", tomlString(inv.Bindle.Name))
	writeKV(&b, "version", tomlString(inv.Bindle.Version))
	if inv.Bindle.Description != "" {
		writeKV(&b, "description", tomlString(inv.Bindle.Description))
	}
	if len(inv.Bindle.Authors) > 0 {
		writeKV(&b, "authors", tomlStringArray(inv.Bindle.Authors))
	}

	if len(inv.Annotations) > 0 {
		b.WriteString("\n[annotations]\n")
		writeStringMap(&b, inv.Annotations)
	}

	for _, g := range inv.Group {
		b.WriteString("\n[[group]]\n")
		writeKV(&b, "name", tomlString(g.Name))
		if g.Required {
			writeKV(&b, "required", "true")
		}
		if g.SatisfiedBy != "" {
			writeKV(&b, "satisfiedBy", tomlString(g.SatisfiedBy))
		}
	}

	for _, p := range inv.Parcel {
		b.WriteString("\n[[parcel]]\n")
		writeLabelTables(&b, "parcel.label", p.Label)
		if p.Conditions != nil {
			b.WriteString("\n[parcel.conditions]\n")
			if len(p.Conditions.MemberOf) > 0 {
				writeKV(&b, "memberOf", tomlStringArray(p.Conditions.MemberOf))
			}
			if len(p.Conditions.Requires) > 0 {
				writeKV(&b, "requires", tomlStringArray(p.Conditions.Requires))
			}
		}
	}

	writeSignatures(&b, "signature", inv.Signature)
	writeSignatures(&b, "yankedSignature", inv.YankedSignature)
	return []byte(b.String())
}

// ParseLabel decodes a standalone label from its text encoding.
func ParseLabel(data []byte) (*Label, error) {
	var l Label
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, ErrInvalidManifest{Reason: err.Error()}
	}
	if err := ValidateLabel(l); err != nil {
		return nil, err
	}
	return &l, nil
}

// MarshalLabel emits the canonical encoding of a standalone label.
func MarshalLabel(l Label) []byte {
	var b strings.Builder
	writeLabelKeys(&b, l)
	if len(l.Annotations) > 0 {
		b.WriteString("\n[annotations]\n")
		writeStringMap(&b, l.Annotations)
	}
	writeFeatureTables(&b, "feature", l.Feature)
	return []byte(b.String())
}

// SigningPreimage returns the canonical bytes an invoice signature covers:
// the invoice with signature blocks and yank state stripped.
func SigningPreimage(inv *Invoice) []byte {
	c := *inv
	c.Yanked = false
	c.YankedReason = ""
	c.Signature = nil
	c.YankedSignature = nil
	return MarshalInvoice(&c)
}

// YankPreimage returns the canonical bytes a yank signature covers: the same
// as the signing preimage but with yanked = true included.
func YankPreimage(inv *Invoice) []byte {
	c := *inv
	c.Yanked = true
	c.YankedReason = ""
	c.Signature = nil
	c.YankedSignature = nil
	return MarshalInvoice(&c)
}

// Validate enforces the structural invariants of an invoice.
func Validate(inv *Invoice) error {
	if inv.BindleVersion != BindleVersion1 {
		return ErrInvalidManifest{Field: "bindleVersion", Reason: fmt.Sprintf("unsupported version %q", inv.BindleVersion)}
	}
	if err := validateName(inv.Bindle.Name); err != nil {
		return err
	}
	if _, err := inv.ID(); err != nil {
		return ErrInvalidManifest{Field: "bindle.version", Reason: err.Error()}
	}
	groups := make(map[string]Group, len(inv.Group))
	for _, g := range inv.Group {
		if g.Name == "" {
			return ErrInvalidManifest{Field: "group.name", Reason: "group name must not be empty"}
		}
		if _, ok := groups[g.Name]; ok {
			return ErrInvalidManifest{Field: "group.name", Reason: fmt.Sprintf("duplicate group %q", g.Name)}
		}
		switch g.Satisfaction() {
		case SatisfyAllOf, SatisfyOneOf, SatisfyOptional:
		default:
			return ErrInvalidManifest{Field: "group.satisfiedBy", Reason: fmt.Sprintf("unknown rule %q", g.SatisfiedBy)}
		}
		groups[g.Name] = g
	}
	seen := make(map[string]struct{}, len(inv.Parcel))
	for i, p := range inv.Parcel {
		field := fmt.Sprintf("parcel[%d]", i)
		if err := ValidateLabel(p.Label); err != nil {
			return ErrInvalidManifest{Field: field, Reason: err.Error()}
		}
		if _, dup := seen[p.Label.SHA256]; dup {
			return ErrInvalidManifest{Field: field + ".label.sha256", Reason: fmt.Sprintf("duplicate parcel %s", p.Label.SHA256)}
		}
		seen[p.Label.SHA256] = struct{}{}
		if p.Conditions == nil {
			continue
		}
		for _, g := range p.Conditions.MemberOf {
			if _, ok := groups[g]; !ok {
				return ErrInvalidManifest{Field: field + ".conditions.memberOf", Reason: fmt.Sprintf("unknown group %q", g)}
			}
		}
		for _, g := range p.Conditions.Requires {
			if _, ok := groups[g]; !ok {
				return ErrInvalidManifest{Field: field + ".conditions.requires", Reason: fmt.Sprintf("unknown group %q", g)}
			}
		}
	}
	for _, sig := range append(append([]Signature{}, inv.Signature...), inv.YankedSignature...) {
		if _, err := ParseRole(string(sig.Role)); err != nil {
			return ErrInvalidManifest{Field: "signature.role", Reason: err.Error()}
		}
	}
	if err := checkAcyclic(inv); err != nil {
		return err
	}
	return nil
}

// ValidateLabel enforces the structural invariants of a label.
func ValidateLabel(l Label) error {
	if l.SHA256 == "" {
		return ErrInvalidManifest{Field: "label.sha256", Reason: "required"}
	}
	if l.MediaType == "" {
		return ErrInvalidManifest{Field: "label.mediaType", Reason: "required"}
	}
	return nil
}

// validateName enforces the bindle name grammar: Unicode letters, digits,
// underscore, slash, and dot; must not begin with "bindle:".
func validateName(name string) error {
	if name == "" {
		return ErrInvalidManifest{Field: "bindle.name", Reason: "required"}
	}
	if strings.HasPrefix(name, "bindle:") {
		return ErrInvalidManifest{Field: "bindle.name", Reason: `must not begin with "bindle:"`}
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '/' || r == '.' {
			continue
		}
		return ErrInvalidManifest{Field: "bindle.name", Reason: fmt.Sprintf("illegal character %q", r)}
	}
	return nil
}

// checkAcyclic walks the bipartite graph with edges group -> member parcels
// and parcel -> required groups, reporting the first cycle found.
func checkAcyclic(inv *Invoice) error {
	// DFS colors: 0 unvisited, 1 on stack, 2 done. Group nodes are keyed by
	// name, parcel nodes by index.
	groupColor := make(map[string]int, len(inv.Group))
	parcelColor := make([]int, len(inv.Parcel))

	members := make(map[string][]int, len(inv.Group))
	for i, p := range inv.Parcel {
		if p.Conditions == nil {
			continue
		}
		for _, g := range p.Conditions.MemberOf {
			members[g] = append(members[g], i)
		}
	}

	var visitGroup func(name string) error
	var visitParcel func(i int) error
	visitGroup = func(name string) error {
		switch groupColor[name] {
		case 1:
			return ErrCycleDetected{Node: name}
		case 2:
			return nil
		}
		groupColor[name] = 1
		for _, i := range members[name] {
			if err := visitParcel(i); err != nil {
				return err
			}
		}
		groupColor[name] = 2
		return nil
	}
	visitParcel = func(i int) error {
		switch parcelColor[i] {
		case 1:
			return ErrCycleDetected{Node: inv.Parcel[i].Label.SHA256}
		case 2:
			return nil
		}
		parcelColor[i] = 1
		if c := inv.Parcel[i].Conditions; c != nil {
			for _, g := range c.Requires {
				if err := visitGroup(g); err != nil {
					return err
				}
			}
		}
		parcelColor[i] = 2
		return nil
	}
	for _, g := range inv.Group {
		if err := visitGroup(g.Name); err != nil {
			return err
		}
	}
	for i := range inv.Parcel {
		if err := visitParcel(i); err != nil {
			return err
		}
	}
	return nil
}

// LoadKeyRing reads a keyring file.
func LoadKeyRing(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kr KeyRing
	if err := toml.Unmarshal(data, &kr); err != nil {
		return nil, ErrInvalidManifest{Field: "keyring", Reason: err.Error()}
	}
	return &kr, nil
}

// Save writes the keyring to the named path.
func (kr *KeyRing) Save(path string) error {
	data, err := toml.Marshal(kr)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadSecretKeyFile reads a secret key file.
func LoadSecretKeyFile(path string) (*SecretKeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf SecretKeyFile
	if err := toml.Unmarshal(data, &sf); err != nil {
		return nil, ErrInvalidManifest{Field: "secret keys", Reason: err.Error()}
	}
	return &sf, nil
}

// Save writes the secret key file to the named path with owner-only
// permissions.
func (sf *SecretKeyFile) Save(path string) error {
	data, err := toml.Marshal(sf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func writeKV(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(" = ")
	b.WriteString(value)
	b.WriteString("\n")
}

func writeStringMap(b *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeKV(b, tomlKey(k), tomlString(m[k]))
	}
}

func writeLabelTables(b *strings.Builder, prefix string, l Label) {
	b.WriteString("[" + prefix + "]\n")
	writeLabelKeys(b, l)
	if len(l.Annotations) > 0 {
		b.WriteString("\n[" + prefix + ".annotations]\n")
		writeStringMap(b, l.Annotations)
	}
	writeFeatureTables(b, prefix+".feature", l.Feature)
}

func writeLabelKeys(b *strings.Builder, l Label) {
	writeKV(b, "sha256", tomlString(l.SHA256))
	writeKV(b, "mediaType", tomlString(l.MediaType))
	if l.Name != "" {
		writeKV(b, "name", tomlString(l.Name))
	}
	writeKV(b, "size", strconv.FormatUint(l.Size, 10))
	if l.Origin != "" {
		writeKV(b, "origin", tomlString(l.Origin))
	}
	if l.SHA512 != "" {
		writeKV(b, "sha512", tomlString(l.SHA512))
	}
}

func writeFeatureTables(b *strings.Builder, prefix string, fm FeatureMap) {
	sections := make([]string, 0, len(fm))
	for s := range fm {
		sections = append(sections, s)
	}
	sort.Strings(sections)
	for _, s := range sections {
		b.WriteString("\n[" + prefix + "." + tomlKey(s) + "]\n")
		writeStringMap(b, fm[s])
	}
}

func writeSignatures(b *strings.Builder, table string, sigs []Signature) {
	for _, s := range sigs {
		b.WriteString("\n[[" + table + "]]\n")
		writeKV(b, "by", tomlString(s.By))
		writeKV(b, "signature", tomlString(s.Signature))
		writeKV(b, "key", tomlString(s.Key))
		writeKV(b, "role", tomlString(string(s.Role)))
		writeKV(b, "at", strconv.FormatUint(s.At, 10))
	}
}

// tomlKey renders a map key, quoting it when it is not a bare key.
func tomlKey(k string) string {
	for _, r := range k {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return tomlString(k)
	}
	if k == "" {
		return `""`
	}
	return k
}

// tomlString renders a TOML basic string with escaping.
func tomlString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04X`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// tomlStringArray renders a TOML array of basic strings.
func tomlStringArray(ss []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range ss {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tomlString(s))
	}
	b.WriteByte(']')
	return b.String()
}
