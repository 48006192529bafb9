package bindlecmd

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"bindle.dev/bindle/src/bindle"
	"go.brendoncarroll.net/star"
)

var createKeyCmd = star.Command{
	Metadata: star.Metadata{
		Short: "generate a signing key and append it to a secret key file",
	},
	Flags: []star.AnyParam{keyFileOutParam, rolesParam},
	Pos:   []star.AnyParam{labelParam},
	F: func(c star.Context) error {
		roles, err := parseRoleList(rolesParam.Load(c))
		if err != nil {
			return err
		}
		entry, err := bindle.NewSecretKeyEntry(labelParam.Load(c), roles)
		if err != nil {
			return err
		}
		path := keyFileOutParam.Load(c)
		keys, err := bindle.LoadSecretKeyFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			keys = bindle.NewSecretKeyFile()
		}
		keys.Key = append(keys.Key, *entry)
		if err := keys.Save(path); err != nil {
			return err
		}
		pub, err := entry.PublicKey()
		if err != nil {
			return err
		}
		c.Printf("created key %q\n", entry.Label)
		c.Printf("PUBLIC KEY: %s\n", pub)
		return nil
	},
}

var keyringCmd = star.NewDir(
	star.Metadata{
		Short: "manage a local keyring of trusted public keys",
	}, map[star.Symbol]star.Command{
		"add":   keyringAddCmd,
		"fetch": keyringFetchCmd,
	},
)

var keyringAddCmd = star.Command{
	Metadata: star.Metadata{
		Short: "add a public key to the keyring",
	},
	Flags: []star.AnyParam{ringFileParam, rolesParam},
	Pos:   []star.AnyParam{labelParam, keyParam},
	F: func(c star.Context) error {
		roles, err := parseRoleList(rolesParam.Load(c))
		if err != nil {
			return err
		}
		entry := bindle.KeyEntry{
			Label: labelParam.Load(c),
			Roles: roles,
			Key:   keyParam.Load(c),
		}
		if _, err := entry.PublicKey(); err != nil {
			return err
		}
		path := ringFileParam.Load(c)
		ring, err := loadOrNewKeyRing(path)
		if err != nil {
			return err
		}
		ring.Add(entry)
		if err := ring.Save(path); err != nil {
			return err
		}
		c.Printf("added key %q to %s\n", entry.Label, path)
		return nil
	},
}

var keyringFetchCmd = star.Command{
	Metadata: star.Metadata{
		Short: "fetch the server's published keys into the keyring",
	},
	Flags: []star.AnyParam{serverParam, ringFileParam},
	F: func(c star.Context) error {
		remote, err := newClient(c).GetKeys(c, nil)
		if err != nil {
			return err
		}
		path := ringFileParam.Load(c)
		ring, err := loadOrNewKeyRing(path)
		if err != nil {
			return err
		}
		for _, entry := range remote.Key {
			ring.Add(entry)
			c.Printf("added key %q\n", entry.Label)
		}
		if err := ring.Save(path); err != nil {
			return err
		}
		c.Printf("%d keys written to %s\n", len(remote.Key), path)
		return nil
	},
}

func loadOrNewKeyRing(path string) (*bindle.KeyRing, error) {
	ring, err := bindle.LoadKeyRing(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		ring = bindle.NewKeyRing()
	}
	return ring, nil
}

func parseRoleList(raw string) ([]bindle.SignatureRole, error) {
	var roles []bindle.SignatureRole
	for _, part := range strings.Split(raw, ",") {
		role, err := bindle.ParseRole(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

var invoiceNameCmd = star.Command{
	Metadata: star.Metadata{
		Short: "print the canonical identity hash of a local invoice file",
	},
	Pos: []star.AnyParam{pathParam},
	F: func(c star.Context) error {
		data, err := os.ReadFile(pathParam.Load(c))
		if err != nil {
			return err
		}
		inv, err := bindle.ParseInvoice(data)
		if err != nil {
			return err
		}
		identity, err := inv.CanonicalName()
		if err != nil {
			return err
		}
		c.Printf("%s\n", identity)
		return nil
	},
}

var labelParam = star.Param[string]{
	Name:  "label",
	Parse: star.ParseString,
}

var keyFileOutParam = star.Param[string]{
	Name:    "file",
	Default: star.Ptr("secret_keys.toml"),
	Parse:   star.ParseString,
}

var rolesParam = star.Param[string]{
	Name:    "roles",
	Default: star.Ptr("creator"),
	Parse:   star.ParseString,
}

var ringFileParam = star.Param[string]{
	Name:    "ring",
	Default: star.Ptr("keyring.toml"),
	Parse:   star.ParseString,
}

var keyParam = star.Param[string]{
	Name:  "key",
	Parse: star.ParseString,
}
