// Package bindlecmd implements the bindle command line: a server daemon plus
// the client verbs for pushing, fetching, yanking, searching, and key
// management.
package bindlecmd

import (
	"strconv"

	"go.brendoncarroll.net/star"
)

func Main() {
	star.Main(rootCmd)
}

func Root() star.Command {
	return rootCmd
}

var rootCmd = star.NewDir(
	star.Metadata{
		Short: "bindle is aggregate object storage for versioned packages",
	}, map[star.Symbol]star.Command{
		"daemon": daemonCmd,

		"push-invoice": pushInvoiceCmd,
		"push-file":    pushFileCmd,
		"get":          getCmd,
		"info":         infoCmd,
		"yank":         yankCmd,
		"search":       searchCmd,

		"create-key":   createKeyCmd,
		"keyring":      keyringCmd,
		"invoice-name": invoiceNameCmd,
	},
)

var serverParam = star.Param[string]{
	Name:    "server",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
