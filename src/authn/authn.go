// Package authn authenticates requests at the protocol boundary. The server
// runs exactly one authenticator; anonymous is the zero-configuration choice.
package authn

import (
	"bufio"
	"net/http"
	"strings"

	"bindle.dev/bindle/src/bindle"
	"golang.org/x/crypto/bcrypt"
)

// Identity is the result of authentication.
type Identity struct {
	Name      string
	Anonymous bool
}

// Authenticator checks a request's credentials.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Anonymous accepts every request as the anonymous identity.
type Anonymous struct{}

func (Anonymous) Authenticate(r *http.Request) (Identity, error) {
	return Identity{Anonymous: true}, nil
}

// Basic authenticates HTTP basic credentials against a table of bcrypt
// password hashes. A request without credentials authenticates as anonymous;
// bad credentials are rejected outright.
type Basic struct {
	users map[string]string
}

// NewBasic builds a Basic authenticator from username -> bcrypt-hash pairs.
func NewBasic(users map[string]string) *Basic {
	return &Basic{users: users}
}

// ParseHtpasswd reads "user:bcrypt-hash" lines, ignoring blanks and comments.
func ParseHtpasswd(data string) (*Basic, error) {
	users := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, bindle.ErrUnauthorized{Reason: "malformed credential table"}
		}
		users[user] = hash
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewBasic(users), nil
}

func (b *Basic) Authenticate(r *http.Request) (Identity, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return Identity{Anonymous: true}, nil
	}
	hash, known := b.users[user]
	if !known {
		return Identity{}, bindle.ErrUnauthorized{Reason: "unknown user"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		return Identity{}, bindle.ErrUnauthorized{Reason: "bad credentials"}
	}
	return Identity{Name: user}, nil
}

// HashPassword produces a bcrypt hash suitable for the Basic table.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Token authenticates bearer tokens, the server-side check for identities
// minted by an external device-authorization flow. Requests without a bearer
// token authenticate as anonymous.
type Token struct {
	tokens map[string]string
}

// NewToken builds a Token authenticator from token -> identity-name pairs.
func NewToken(tokens map[string]string) *Token {
	return &Token{tokens: tokens}
}

func (t *Token) Authenticate(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{Anonymous: true}, nil
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Identity{}, bindle.ErrUnauthorized{Reason: "unsupported authorization scheme"}
	}
	name, known := t.tokens[strings.TrimSpace(raw)]
	if !known {
		return Identity{}, bindle.ErrUnauthorized{Reason: "unknown token"}
	}
	return Identity{Name: name}, nil
}
