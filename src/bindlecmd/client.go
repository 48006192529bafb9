package bindlecmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/bindlehttp"
	"go.brendoncarroll.net/star"
)

func newClient(c star.Context) *bindlehttp.Client {
	return bindlehttp.NewClient(nil, serverParam.Load(c))
}

var pushInvoiceCmd = star.Command{
	Metadata: star.Metadata{
		Short: "push an invoice file to the server",
	},
	Flags: []star.AnyParam{serverParam},
	Pos:   []star.AnyParam{pathParam},
	F: func(c star.Context) error {
		data, err := os.ReadFile(pathParam.Load(c))
		if err != nil {
			return err
		}
		inv, err := bindle.ParseInvoice(data)
		if err != nil {
			return err
		}
		resp, err := newClient(c).CreateInvoiceFull(c, inv)
		if err != nil {
			return err
		}
		if len(resp.Missing) == 0 {
			c.Printf("invoice %s created\n", inv.Name())
			return nil
		}
		c.Printf("invoice %s accepted, %d parcels still missing:\n", inv.Name(), len(resp.Missing))
		for _, l := range resp.Missing {
			c.Printf("  %s  %s\n", l.SHA256, l.Name)
		}
		return nil
	},
}

var pushFileCmd = star.Command{
	Metadata: star.Metadata{
		Short: "upload one file as a parcel of an invoice",
	},
	Flags: []star.AnyParam{serverParam},
	Pos:   []star.AnyParam{idParam, pathParam},
	F: func(c star.Context) error {
		id, err := bindle.ParseID(idParam.Load(c))
		if err != nil {
			return err
		}
		path := pathParam.Load(c)
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		sha := hex.EncodeToString(h.Sum(nil))
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := newClient(c).CreateParcel(c, id, sha, f); err != nil {
			return err
		}
		c.Printf("parcel %s uploaded\n", sha)
		return nil
	},
}

var getCmd = star.Command{
	Metadata: star.Metadata{
		Short: "fetch a bindle: its invoice and the default parcel set",
	},
	Flags: []star.AnyParam{serverParam, dirParam},
	Pos:   []star.AnyParam{idParam},
	F: func(c star.Context) error {
		id, err := bindle.ParseID(idParam.Load(c))
		if err != nil {
			return err
		}
		client := newClient(c)
		inv, err := client.GetInvoice(c, id)
		if err != nil {
			return err
		}
		dir := dirParam.Load(c)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "invoice.toml"), bindle.MarshalInvoice(inv), 0o644); err != nil {
			return err
		}
		res, err := bindle.Resolve(inv, bindle.ResolutionContext{})
		if err != nil {
			return err
		}
		for _, p := range res.Parcels {
			name := p.Label.Name
			if name == "" {
				name = p.Label.SHA256
			}
			if err := fetchParcel(c, client, id, p.Label.SHA256, filepath.Join(dir, filepath.Base(name))); err != nil {
				return err
			}
			c.Printf("fetched %s\n", name)
		}
		return nil
	},
}

func fetchParcel(c star.Context, client *bindlehttp.Client, id bindle.ID, sha, dest string) error {
	rc, err := client.GetParcel(c, id, sha)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return err
	}
	return f.Close()
}

var infoCmd = star.Command{
	Metadata: star.Metadata{
		Short: "print an invoice",
	},
	Flags: []star.AnyParam{serverParam, yankedParam},
	Pos:   []star.AnyParam{idParam},
	F: func(c star.Context) error {
		id, err := bindle.ParseID(idParam.Load(c))
		if err != nil {
			return err
		}
		client := newClient(c)
		var inv *bindle.Invoice
		if yankedParam.Load(c) {
			inv, err = client.GetYankedInvoice(c, id)
		} else {
			inv, err = client.GetInvoice(c, id)
		}
		if err != nil {
			return err
		}
		c.Printf("%s", bindle.MarshalInvoice(inv))
		return nil
	},
}

var yankCmd = star.Command{
	Metadata: star.Metadata{
		Short: "yank an invoice",
	},
	Flags: []star.AnyParam{serverParam, reasonParam, keyFileParam},
	Pos:   []star.AnyParam{idParam},
	F: func(c star.Context) error {
		id, err := bindle.ParseID(idParam.Load(c))
		if err != nil {
			return err
		}
		client := newClient(c)
		var sigs []bindle.Signature
		if path := keyFileParam.Load(c); path != "" {
			keys, err := bindle.LoadSecretKeyFile(path)
			if err != nil {
				return err
			}
			key, ok := keys.GetFirstMatching(bindle.RoleHost)
			if !ok {
				return fmt.Errorf("no host key in %s", path)
			}
			inv, err := client.GetYankedInvoice(c, id)
			if err != nil {
				return err
			}
			if err := bindle.SignYank(inv, bindle.RoleHost, key); err != nil {
				return err
			}
			sigs = inv.YankedSignature
		}
		if err := client.YankInvoice(c, id, reasonParam.Load(c), sigs); err != nil {
			return err
		}
		c.Printf("yanked %s\n", id)
		return nil
	},
}

var searchCmd = star.Command{
	Metadata: star.Metadata{
		Short: "query the server for invoices",
	},
	Flags: []star.AnyParam{serverParam, queryParam, versionFilterParam, strictParam, yankedParam},
	F: func(c star.Context) error {
		matches, err := newClient(c).Query(c, bindle.QueryOptions{
			Query:   queryParam.Load(c),
			Version: versionFilterParam.Load(c),
			Strict:  strictParam.Load(c),
			Yanked:  yankedParam.Load(c),
		})
		if err != nil {
			return err
		}
		c.Printf("total: %d\n", matches.Total)
		for _, inv := range matches.Invoices {
			c.Printf("%s\n", inv.Name())
		}
		if matches.More {
			c.Printf("(more results available)\n")
		}
		return nil
	},
}

var idParam = star.Param[string]{
	Name:  "id",
	Parse: star.ParseString,
}

var pathParam = star.Param[string]{
	Name:  "path",
	Parse: star.ParseString,
}

var dirParam = star.Param[string]{
	Name:    "dir",
	Default: star.Ptr("."),
	Parse:   star.ParseString,
}

var reasonParam = star.Param[string]{
	Name:    "reason",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var keyFileParam = star.Param[string]{
	Name:    "key-file",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var queryParam = star.Param[string]{
	Name:    "q",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var versionFilterParam = star.Param[string]{
	Name:    "v",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var strictParam = star.Param[bool]{
	Name:    "strict",
	Default: star.Ptr(false),
	Parse:   parseBool,
}

var yankedParam = star.Param[bool]{
	Name:    "yanked",
	Default: star.Ptr(false),
	Parse:   parseBool,
}
