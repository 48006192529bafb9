package bindle

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
)

// KeyRingVersion is the latest keyring format version supported.
const KeyRingVersion = "1.0"

// SignatureRole is the role a signer plays on a signature block.
type SignatureRole string

const (
	RoleCreator  SignatureRole = "creator"
	RoleProxy    SignatureRole = "proxy"
	RoleHost     SignatureRole = "host"
	RoleApprover SignatureRole = "approver"
	RoleVerifier SignatureRole = "verifier"
)

// ParseRole parses a signature role from its wire form.
func ParseRole(s string) (SignatureRole, error) {
	switch SignatureRole(s) {
	case RoleCreator, RoleProxy, RoleHost, RoleApprover, RoleVerifier:
		return SignatureRole(s), nil
	}
	return "", fmt.Errorf("unknown signature role %q", s)
}

// Signature is a cryptographic signature over an invoice's canonical signing
// preimage. The signature is an Ed25519 signature made by the private
// counterpart of the given public key.
type Signature struct {
	By        string        `toml:"by" json:"by"`
	Signature string        `toml:"signature" json:"signature"`
	Key       string        `toml:"key" json:"key"`
	Role      SignatureRole `toml:"role" json:"role"`
	At        uint64        `toml:"at" json:"at"`
}

// KeyRing contains a list of trusted public keys. It never contains private
// keys.
type KeyRing struct {
	Version string     `toml:"version" json:"version"`
	Key     []KeyEntry `toml:"key,omitempty" json:"key,omitempty"`
}

// NewKeyRing builds a keyring at the current version from the given entries.
func NewKeyRing(entries ...KeyEntry) *KeyRing {
	return &KeyRing{Version: KeyRingVersion, Key: entries}
}

// Contains reports whether the base64-encoded public key is on the ring.
func (kr *KeyRing) Contains(key string) bool {
	_, ok := kr.Lookup(key)
	return ok
}

// Lookup finds the entry for a base64-encoded public key.
func (kr *KeyRing) Lookup(key string) (KeyEntry, bool) {
	if kr == nil {
		return KeyEntry{}, false
	}
	for _, e := range kr.Key {
		if e.Key == key {
			return e, true
		}
	}
	return KeyEntry{}, false
}

// Add appends an entry to the ring, replacing any existing entry with the
// same public key.
func (kr *KeyRing) Add(e KeyEntry) {
	for i := range kr.Key {
		if kr.Key[i].Key == e.Key {
			kr.Key[i] = e
			return
		}
	}
	kr.Key = append(kr.Key, e)
}

// KeyEntry describes one public key on a keyring: the key itself, a
// human-friendly label, the roles the key is trusted for, and an optional
// signature protecting the label against tampering.
type KeyEntry struct {
	Label          string          `toml:"label" json:"label"`
	Roles          []SignatureRole `toml:"roles" json:"roles"`
	Key            string          `toml:"key" json:"key"`
	LabelSignature string          `toml:"labelSignature,omitempty" json:"labelSignature,omitempty"`
}

// HasRole reports whether the entry grants the given role.
func (ke KeyEntry) HasRole(role SignatureRole) bool {
	for _, r := range ke.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PublicKey decodes the entry's base64 Ed25519 public key.
func (ke KeyEntry) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(ke.Key)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrBadSignature{Key: ke.Key, Reason: "corrupt public key"}
	}
	return ed25519.PublicKey(raw), nil
}

// SignLabel signs the entry's label with the given secret key.
func (ke *KeyEntry) SignLabel(sk *SecretKeyEntry) error {
	priv, err := sk.Key()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, []byte(ke.Label))
	ke.LabelSignature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyLabel verifies the label signature, if present, under the given
// public key.
func (ke KeyEntry) VerifyLabel(pub ed25519.PublicKey) error {
	if ke.LabelSignature == "" {
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(ke.LabelSignature)
	if err != nil {
		return ErrBadSignature{Key: ke.Key, Reason: "corrupt label signature"}
	}
	if !ed25519.Verify(pub, []byte(ke.Label), sig) {
		return ErrBadSignature{Key: ke.Key, Reason: "label signature does not verify"}
	}
	return nil
}

// SecretKeyEntry holds a labeled Ed25519 keypair and the roles it should be
// used for. The keypair is base64 of the 64-byte private key (seed followed by
// public key).
type SecretKeyEntry struct {
	Label   string          `toml:"label" json:"label"`
	Keypair string          `toml:"keypair" json:"keypair"`
	Roles   []SignatureRole `toml:"roles" json:"roles"`
}

// NewSecretKeyEntry generates a fresh Ed25519 keypair under the given label.
func NewSecretKeyEntry(label string, roles []SignatureRole) (*SecretKeyEntry, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SecretKeyEntry{
		Label:   label,
		Keypair: base64.StdEncoding.EncodeToString(priv),
		Roles:   roles,
	}, nil
}

// Key decodes the private key. Errors deliberately do not include detail that
// could disclose key material.
func (sk *SecretKeyEntry) Key() (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(sk.Keypair)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, ErrBadSignature{Reason: "could not load keypair"}
	}
	return ed25519.PrivateKey(raw), nil
}

// PublicKey returns the base64 encoding of the public half of the keypair.
func (sk *SecretKeyEntry) PublicKey() (string, error) {
	priv, err := sk.Key()
	if err != nil {
		return "", err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub), nil
}

// PublicEntry derives the keyring entry for this secret key.
func (sk *SecretKeyEntry) PublicEntry() (KeyEntry, error) {
	pub, err := sk.PublicKey()
	if err != nil {
		return KeyEntry{}, err
	}
	return KeyEntry{Label: sk.Label, Roles: sk.Roles, Key: pub}, nil
}

// SecretKeyFile is the on-disk collection of secret keys.
type SecretKeyFile struct {
	Version string           `toml:"version" json:"version"`
	Key     []SecretKeyEntry `toml:"key,omitempty" json:"key,omitempty"`
}

// NewSecretKeyFile returns an empty secret key file at the current version.
func NewSecretKeyFile() *SecretKeyFile {
	return &SecretKeyFile{Version: KeyRingVersion}
}

// GetFirstMatching returns the first secret key granting the given role.
func (sf *SecretKeyFile) GetFirstMatching(role SignatureRole) (*SecretKeyEntry, bool) {
	for i := range sf.Key {
		for _, r := range sf.Key[i].Roles {
			if r == role {
				return &sf.Key[i], true
			}
		}
	}
	return nil, false
}
