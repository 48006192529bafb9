package bindle

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
)

// Sign signs the invoice's canonical preimage with the given key and appends a
// signature block. A single key may not sign the same invoice twice, even
// under a different role.
//
// Note that the signature is invalidated if parcels are added afterwards.
func Sign(inv *Invoice, role SignatureRole, key *SecretKeyEntry) error {
	priv, err := key.Key()
	if err != nil {
		return err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return err
	}
	for _, s := range inv.Signature {
		if s.Key == pub {
			return ErrDuplicateSignature{Key: pub}
		}
	}
	sig := ed25519.Sign(priv, SigningPreimage(inv))
	inv.Signature = append(inv.Signature, Signature{
		By:        key.Label,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Key:       pub,
		Role:      role,
		At:        uint64(time.Now().Unix()),
	})
	return nil
}

// SignYank signs the invoice's yank preimage and appends a yank-signature
// block. The invoice need not have yanked set yet; the preimage always covers
// yanked = true.
func SignYank(inv *Invoice, role SignatureRole, key *SecretKeyEntry) error {
	priv, err := key.Key()
	if err != nil {
		return err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return err
	}
	for _, s := range inv.YankedSignature {
		if s.Key == pub {
			return ErrDuplicateSignature{Key: pub}
		}
	}
	sig := ed25519.Sign(priv, YankPreimage(inv))
	inv.YankedSignature = append(inv.YankedSignature, Signature{
		By:        key.Label,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Key:       pub,
		Role:      role,
		At:        uint64(time.Now().Unix()),
	})
	return nil
}

type strategyKind int

const (
	// The zero value is the default strategy.
	strategyGreedy strategyKind = iota
	strategyCreative
	strategyAuthoritative
	strategyExhaustive
	strategyMultiple
	strategyMultipleGreedy
)

// VerificationStrategy decides which signatures an invoice must carry and how
// strictly they are checked against a keyring.
type VerificationStrategy struct {
	kind  strategyKind
	roles []SignatureRole
}

var (
	// CreativeIntegrity verifies that the key signing as creator is known and
	// its signature is valid.
	CreativeIntegrity = VerificationStrategy{kind: strategyCreative}
	// AuthoritativeIntegrity verifies that at least one of the creator or
	// approver keys is known and its signature is valid.
	AuthoritativeIntegrity = VerificationStrategy{kind: strategyAuthoritative}
	// GreedyVerification verifies that the creator key is known and that every
	// signature on the invoice is valid. This is the default.
	GreedyVerification = VerificationStrategy{kind: strategyGreedy}
	// ExhaustiveVerification verifies that every key is known and every
	// signature is valid.
	ExhaustiveVerification = VerificationStrategy{kind: strategyExhaustive}
)

// MultipleAttestation verifies that signatures for all of the given roles are
// present, valid, and made by known keys.
func MultipleAttestation(roles ...SignatureRole) VerificationStrategy {
	return VerificationStrategy{kind: strategyMultiple, roles: roles}
}

// MultipleAttestationGreedy is MultipleAttestation, but signatures outside the
// given roles are validated as well.
func MultipleAttestationGreedy(roles ...SignatureRole) VerificationStrategy {
	return VerificationStrategy{kind: strategyMultipleGreedy, roles: roles}
}

// DefaultStrategy is used when no strategy is configured.
func DefaultStrategy() VerificationStrategy { return GreedyVerification }

// ParseVerificationStrategy parses a strategy from a string such as
// "CreativeIntegrity" or "MultipleAttestation[creator, approver]". Parsing is
// case-insensitive and tolerant of surrounding whitespace.
func ParseVerificationStrategy(s string) (VerificationStrategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return VerificationStrategy{}, fmt.Errorf("empty verification strategy")
	}
	name, rest, _ := strings.Cut(normalized, "[")
	switch name {
	case "creativeintegrity":
		return CreativeIntegrity, nil
	case "authoritativeintegrity":
		return AuthoritativeIntegrity, nil
	case "greedyverification":
		return GreedyVerification, nil
	case "exhaustiveverification":
		return ExhaustiveVerification, nil
	case "multipleattestation", "multipleattestationgreedy":
		if !strings.HasSuffix(rest, "]") {
			return VerificationStrategy{}, fmt.Errorf("missing closing ']' on roles")
		}
		var roles []SignatureRole
		for _, part := range strings.Split(strings.TrimSuffix(rest, "]"), ",") {
			role, err := ParseRole(strings.TrimSpace(part))
			if err != nil {
				return VerificationStrategy{}, err
			}
			roles = append(roles, role)
		}
		if name == "multipleattestation" {
			return MultipleAttestation(roles...), nil
		}
		return MultipleAttestationGreedy(roles...), nil
	default:
		return VerificationStrategy{}, fmt.Errorf("unknown verification strategy %q", s)
	}
}

func (v VerificationStrategy) String() string {
	switch v.kind {
	case strategyCreative:
		return "CreativeIntegrity"
	case strategyAuthoritative:
		return "AuthoritativeIntegrity"
	case strategyGreedy:
		return "GreedyVerification"
	case strategyExhaustive:
		return "ExhaustiveVerification"
	case strategyMultiple, strategyMultipleGreedy:
		parts := make([]string, len(v.roles))
		for i, r := range v.roles {
			parts[i] = string(r)
		}
		name := "MultipleAttestation"
		if v.kind == strategyMultipleGreedy {
			name += "Greedy"
		}
		return name + "[" + strings.Join(parts, ", ") + "]"
	}
	return "unknown"
}

// params expands the strategy into its target roles and check flags:
// allValid means every signature is checked regardless of role, allVerified
// means target-role keys must be on the keyring, allRoles means each target
// role must appear at least once.
func (v VerificationStrategy) params() (roles []SignatureRole, allValid, allVerified, allRoles bool) {
	switch v.kind {
	case strategyGreedy:
		return []SignatureRole{RoleCreator}, true, true, true
	case strategyCreative:
		return []SignatureRole{RoleCreator}, false, true, true
	case strategyAuthoritative:
		return []SignatureRole{RoleCreator, RoleApprover}, false, false, false
	case strategyExhaustive:
		return []SignatureRole{RoleCreator, RoleApprover, RoleHost, RoleProxy, RoleVerifier}, true, true, false
	case strategyMultiple:
		return v.roles, false, true, true
	case strategyMultipleGreedy:
		return v.roles, true, true, true
	}
	return nil, false, false, false
}

// Verify checks every relevant signature on the invoice against the keyring.
//
// An invoice with no signatures verifies trivially; the caller decides whether
// unsigned invoices are acceptable. Beyond per-signature Ed25519 validity,
// each counted key must be present on the keyring and its entry must grant the
// role the signature declares.
func (v VerificationStrategy) Verify(inv *Invoice, keyring *KeyRing) error {
	if len(inv.Signature) == 0 {
		return nil
	}
	return v.verifySignatures(inv.Signature, SigningPreimage(inv), keyring)
}

// VerifyYank checks the yank signatures over the yank preimage. At least one
// valid host signature is required.
func (v VerificationStrategy) VerifyYank(inv *Invoice, keyring *KeyRing) error {
	if len(inv.YankedSignature) == 0 {
		return ErrInsufficientSignatures{Reason: "a yank requires at least one host signature"}
	}
	preimage := YankPreimage(inv)
	hostSigned := false
	for i := range inv.YankedSignature {
		sig := &inv.YankedSignature[i]
		if err := verifyOne(sig, preimage); err != nil {
			return err
		}
		entry, ok := keyring.Lookup(sig.Key)
		if !ok {
			return ErrUnknownKey{Key: sig.Key}
		}
		if !entry.HasRole(sig.Role) {
			return ErrRoleNotPermitted{Key: sig.Key, Role: sig.Role}
		}
		if sig.Role == RoleHost {
			hostSigned = true
		}
	}
	if !hostSigned {
		return ErrInsufficientSignatures{Reason: "a yank requires at least one host signature"}
	}
	return nil
}

func (v VerificationStrategy) verifySignatures(sigs []Signature, preimage []byte, keyring *KeyRing) error {
	roles, allValid, allVerified, allRoles := v.params()
	inRoles := func(r SignatureRole) bool {
		for _, t := range roles {
			if t == r {
				return true
			}
		}
		return false
	}

	knownKey := false
	filled := map[SignatureRole]bool{}
	for i := range sigs {
		sig := &sigs[i]
		target := inRoles(sig.Role)
		if !allValid && !target {
			continue
		}
		if err := verifyOne(sig, preimage); err != nil {
			return err
		}
		if !target && !allVerified {
			continue
		}
		if allRoles && target {
			filled[sig.Role] = true
		}
		entry, ok := keyring.Lookup(sig.Key)
		if !ok {
			if allVerified && target {
				return ErrUnknownKey{Key: sig.Key}
			}
			continue
		}
		if target && !entry.HasRole(sig.Role) {
			return ErrRoleNotPermitted{Key: sig.Key, Role: sig.Role}
		}
		knownKey = true
	}
	if !knownKey {
		return ErrInsufficientSignatures{Reason: "none of the signatures are made with a known key"}
	}
	if allRoles {
		for _, r := range roles {
			if !filled[r] {
				return ErrInsufficientSignatures{Reason: fmt.Sprintf("no signature found for role %s", r)}
			}
		}
	}
	return nil
}

// verifyOne checks a single signature block's Ed25519 validity over the
// preimage.
func verifyOne(sig *Signature, preimage []byte) error {
	pk, err := base64.StdEncoding.DecodeString(sig.Key)
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return ErrBadSignature{Key: sig.Key, Reason: "corrupt public key"}
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return ErrBadSignature{Key: sig.Key, Reason: "corrupt signature block"}
	}
	if !ed25519.Verify(ed25519.PublicKey(pk), preimage, raw) {
		return ErrBadSignature{Key: sig.Key, Reason: "signature does not match the invoice"}
	}
	return nil
}
