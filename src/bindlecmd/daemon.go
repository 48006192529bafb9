package bindlecmd

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"bindle.dev/bindle/src/authn"
	"bindle.dev/bindle/src/authz"
	"bindle.dev/bindle/src/bindle"
	"bindle.dev/bindle/src/bindlehttp"
	"bindle.dev/bindle/src/bindlelocal"
	"bindle.dev/bindle/src/bindlesearch"
	"bindle.dev/bindle/src/events"
	"bindle.dev/bindle/src/internal/dbutil"
	"go.brendoncarroll.net/star"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

var daemonCmd = star.Command{
	Metadata: star.Metadata{
		Short: "runs the bindle server",
	},
	Flags: []star.AnyParam{stateDirParam, listenParam, backendParam, keyringParam, strategyParam, htpasswdParam, eventLogParam, tlsCertParam, tlsKeyParam},
	F: func(c star.Context) error {
		stateDir := stateDirParam.Load(c)
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return err
		}

		db, err := dbutil.OpenDB(filepath.Join(stateDir, "index.db"))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := bindlesearch.SetupDB(c, db); err != nil {
			return err
		}
		index := bindlesearch.NewSQLiteIndex(db)

		var provider bindle.Provider
		switch backendParam.Load(c) {
		case "file":
			provider, err = bindlelocal.NewFileProvider(c, stateDir, index)
		case "kv":
			kv, kvErr := bindlelocal.OpenKV(c, filepath.Join(stateDir, "kv"), index)
			if kvErr == nil {
				defer kv.Close()
			}
			provider, err = kv, kvErr
		default:
			return fmt.Errorf("unknown backend %q", backendParam.Load(c))
		}
		if err != nil {
			return err
		}
		provider = bindlelocal.NewCache(provider, 0)

		var keyring *bindle.KeyRing
		if path := keyringParam.Load(c); path != "" {
			keyring, err = bindle.LoadKeyRing(path)
			if err != nil {
				return err
			}
		}
		strategy := bindle.DefaultStrategy()
		if s := strategyParam.Load(c); s != "" {
			strategy, err = bindle.ParseVerificationStrategy(s)
			if err != nil {
				return err
			}
		}

		var sink events.Sink = events.Noop{}
		if path := eventLogParam.Load(c); path != "" {
			fileSink, err := events.NewFileSink(path)
			if err != nil {
				return err
			}
			defer fileSink.Close()
			sink = fileSink
		}

		var checker authn.Authenticator = authn.Anonymous{}
		var policy authz.Authorizer = authz.Always{}
		if path := htpasswdParam.Load(c); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			checker, err = authn.ParseHtpasswd(string(data))
			if err != nil {
				return err
			}
			policy = authz.AnonymousGet{}
		}

		srv := &bindlehttp.Server{
			Provider: provider,
			Search:   index,
			Events:   sink,
			Authn:    checker,
			Authz:    policy,
			Keyring:  keyring,
			Strategy: strategy,
		}

		lis, err := net.Listen("tcp", listenParam.Load(c))
		if err != nil {
			return err
		}
		defer lis.Close()
		logctx.Info(c, "serving API", zap.String("addr", lis.Addr().String()), zap.String("state", stateDir))
		hs := &http.Server{Handler: srv}
		if cert, key := tlsCertParam.Load(c), tlsKeyParam.Load(c); cert != "" && key != "" {
			return hs.ServeTLS(lis, cert, key)
		}
		return hs.Serve(lis)
	},
}

var stateDirParam = star.Param[string]{
	Name:  "state",
	Parse: star.ParseString,
}

var listenParam = star.Param[string]{
	Name:    "listen",
	Default: star.Ptr("127.0.0.1:8080"),
	Parse:   star.ParseString,
}

var backendParam = star.Param[string]{
	Name:    "backend",
	Default: star.Ptr("file"),
	Parse:   star.ParseString,
}

var keyringParam = star.Param[string]{
	Name:    "keyring",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var strategyParam = star.Param[string]{
	Name:    "strategy",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var htpasswdParam = star.Param[string]{
	Name:    "htpasswd",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var eventLogParam = star.Param[string]{
	Name:    "event-log",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var tlsCertParam = star.Param[string]{
	Name:    "tls-cert",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}

var tlsKeyParam = star.Param[string]{
	Name:    "tls-key",
	Default: star.Ptr(""),
	Parse:   star.ParseString,
}
