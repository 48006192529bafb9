package bindlelocal

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"bindle.dev/bindle/src/bindle"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

const (
	invoiceDir  = "invoices"
	parcelDir   = "parcels"
	invoiceTOML = "invoice.toml"
	labelTOML   = "label.toml"
	parcelDat   = "parcel.dat"
	partSuffix  = ".part"
)

// FileProvider stores invoices and parcels on the filesystem:
//
//	<root>/invoices/<identity-hash>/invoice.toml
//	<root>/parcels/<sha256>/label.toml
//	<root>/parcels/<sha256>/parcel.dat
//
// All writes go to a temp sibling on the same volume, are fsynced, and are
// renamed into place, so readers only ever observe committed state. Parcel
// bytes are hashed as they stream in and committed read-only.
type FileProvider struct {
	root  string
	index Indexer
	mu    keyedMutex
}

var _ bindle.Provider = &FileProvider{}

// NewFileProvider opens (creating if needed) a store rooted at root. Stale
// temp files from interrupted writes are removed, and every stored invoice is
// fed to the index.
func NewFileProvider(ctx context.Context, root string, index Indexer) (*FileProvider, error) {
	if index == nil {
		index = NoopIndexer{}
	}
	fp := &FileProvider{root: root, index: index}
	for _, dir := range []string{fp.invoicePath(""), fp.parcelPath("")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := fp.cleanTempFiles(ctx); err != nil {
		return nil, err
	}
	if err := fp.warmIndex(ctx); err != nil {
		logctx.Warn(ctx, "error warming index", zap.Error(err))
	}
	return fp, nil
}

func (fp *FileProvider) invoicePath(identity string) string {
	return filepath.Join(fp.root, invoiceDir, identity)
}

func (fp *FileProvider) invoiceTOMLPath(identity string) string {
	return filepath.Join(fp.invoicePath(identity), invoiceTOML)
}

func (fp *FileProvider) parcelPath(sha string) string {
	return filepath.Join(fp.root, parcelDir, sha)
}

func (fp *FileProvider) parcelDataPath(sha string) string {
	return filepath.Join(fp.parcelPath(sha), parcelDat)
}

func (fp *FileProvider) labelPath(sha string) string {
	return filepath.Join(fp.parcelPath(sha), labelTOML)
}

// cleanTempFiles removes uncommitted part files left by interrupted writes.
func (fp *FileProvider) cleanTempFiles(ctx context.Context) error {
	return filepath.WalkDir(fp.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), partSuffix) {
			logctx.Info(ctx, "removing stale temp file", zap.String("path", path))
			return os.Remove(path)
		}
		return nil
	})
}

// warmIndex loads every stored invoice into the search index. Records whose
// directory name does not match the computed identity are skipped with an
// error log rather than trusted.
func (fp *FileProvider) warmIndex(ctx context.Context) error {
	entries, err := os.ReadDir(fp.invoicePath(""))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		inv, err := fp.readInvoice(e.Name())
		if err != nil {
			logctx.Error(ctx, "skipping unreadable invoice", zap.String("identity", e.Name()), zap.Error(err))
			continue
		}
		identity, err := inv.CanonicalName()
		if err != nil || identity != e.Name() {
			logctx.Error(ctx, "identity mismatch, skipping invoice", zap.String("identity", e.Name()))
			continue
		}
		if err := fp.index.Index(ctx, inv); err != nil {
			logctx.Error(ctx, "error indexing invoice", zap.String("id", inv.Name()), zap.Error(err))
		}
	}
	return nil
}

func (fp *FileProvider) readInvoice(identity string) (*bindle.Invoice, error) {
	data, err := os.ReadFile(fp.invoiceTOMLPath(identity))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, bindle.ErrNotFound{Type: "invoice", Key: identity}
		}
		return nil, err
	}
	return bindle.ParseInvoice(data)
}

// writeInvoiceFile commits the canonical encoding atomically: temp sibling,
// fsync, rename.
func (fp *FileProvider) writeInvoiceFile(identity string, inv *bindle.Invoice) error {
	if err := os.MkdirAll(fp.invoicePath(identity), 0o755); err != nil {
		return err
	}
	dest := fp.invoiceTOMLPath(identity)
	tmp := dest + partSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return bindle.ErrWriteInProgress{Key: identity}
		}
		return err
	}
	defer os.Remove(tmp)
	if _, err := f.Write(bindle.MarshalInvoice(inv)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

func (fp *FileProvider) CreateInvoice(ctx context.Context, inv *bindle.Invoice) ([]bindle.Label, error) {
	if inv.Yanked {
		return nil, bindle.ErrCreateYanked{ID: inv.Name()}
	}
	identity, err := inv.CanonicalName()
	if err != nil {
		return nil, err
	}
	unlock := fp.mu.lock(identity)
	defer unlock()

	if existing, err := fp.readInvoice(identity); err == nil {
		if existing.Yanked {
			return nil, bindle.ErrYanked{ID: inv.Name()}
		}
		return nil, bindle.ErrAlreadyExists{ID: inv.Name()}
	} else if !bindle.IsErrNotFound(err) {
		return nil, err
	}

	if err := fp.writeInvoiceFile(identity, inv); err != nil {
		return nil, err
	}
	if err := fp.index.Index(ctx, inv); err != nil {
		logctx.Error(ctx, "error indexing new invoice", zap.String("id", inv.Name()), zap.Error(err))
	}

	var missing []bindle.Label
	for _, p := range inv.Parcel {
		if _, err := os.Stat(fp.parcelDataPath(p.Label.SHA256)); err != nil {
			missing = append(missing, p.Label)
		}
	}
	return missing, nil
}

func (fp *FileProvider) GetYankedInvoice(ctx context.Context, id bindle.ID) (*bindle.Invoice, error) {
	inv, err := fp.readInvoice(id.Sha())
	if err != nil {
		if bindle.IsErrNotFound(err) {
			return nil, bindle.ErrNotFound{Type: "invoice", Key: id.String()}
		}
		return nil, err
	}
	return inv, nil
}

func (fp *FileProvider) GetInvoice(ctx context.Context, id bindle.ID) (*bindle.Invoice, error) {
	inv, err := fp.GetYankedInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Yanked {
		return nil, bindle.ErrYanked{ID: id.String()}
	}
	return inv, nil
}

func (fp *FileProvider) YankInvoice(ctx context.Context, id bindle.ID, reason string, sigs []bindle.Signature) error {
	identity := id.Sha()
	unlock := fp.mu.lock(identity)
	defer unlock()

	inv, err := fp.readInvoice(identity)
	if err != nil {
		if bindle.IsErrNotFound(err) {
			return bindle.ErrNotFound{Type: "invoice", Key: id.String()}
		}
		return err
	}
	if inv.Yanked {
		return nil
	}
	inv.Yanked = true
	inv.YankedReason = reason
	inv.YankedSignature = append(inv.YankedSignature, sigs...)
	if err := fp.writeInvoiceFile(identity, inv); err != nil {
		return err
	}
	if err := fp.index.Index(ctx, inv); err != nil {
		logctx.Error(ctx, "error indexing yanked invoice", zap.String("id", inv.Name()), zap.Error(err))
	}
	return nil
}

// validateParcel checks the invoice -> parcel relationship and returns the
// label the invoice declares for sha. Uploads and reads against a yanked
// invoice are rejected.
func (fp *FileProvider) validateParcel(ctx context.Context, id bindle.ID, sha string) (bindle.Label, error) {
	inv, err := fp.GetInvoice(ctx, id)
	if err != nil {
		return bindle.Label{}, err
	}
	return bindle.FindLabel(inv, sha)
}

func (fp *FileProvider) CreateParcel(ctx context.Context, id bindle.ID, sha string, data io.Reader) error {
	label, err := fp.validateParcel(ctx, id, sha)
	if err != nil {
		return err
	}
	dest := fp.parcelDataPath(sha)
	if _, err := os.Stat(dest); err == nil {
		// Content is already committed under this hash. The incoming bytes
		// are still hashed and sized; only a verified duplicate succeeds
		// idempotently.
		return verifyParcelStream(data, label, sha)
	}
	if err := os.MkdirAll(fp.parcelPath(sha), 0o755); err != nil {
		return err
	}
	tmp := dest + partSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return bindle.ErrWriteInProgress{Key: sha}
		}
		return err
	}
	committed := false
	defer func() {
		f.Close()
		if !committed {
			os.Remove(tmp)
		}
	}()

	if err := verifyParcelStream(io.TeeReader(data, f), label, sha); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o444); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	committed = true
	if err := fp.writeLabelFile(sha, label); err != nil {
		logctx.Warn(ctx, "error writing parcel label", zap.String("sha", sha), zap.Error(err))
	}
	return nil
}

func (fp *FileProvider) writeLabelFile(sha string, label bindle.Label) error {
	dest := fp.labelPath(sha)
	tmp := dest + partSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(bindle.MarshalLabel(label)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

func (fp *FileProvider) GetParcel(ctx context.Context, id bindle.ID, sha string) (io.ReadCloser, error) {
	if _, err := fp.validateParcel(ctx, id, sha); err != nil {
		return nil, err
	}
	f, err := os.Open(fp.parcelDataPath(sha))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, bindle.ErrNotFound{Type: "parcel", Key: sha}
		}
		return nil, err
	}
	return f, nil
}

func (fp *FileProvider) ParcelExists(ctx context.Context, id bindle.ID, sha string) (bool, error) {
	if _, err := fp.validateParcel(ctx, id, sha); err != nil {
		return false, err
	}
	fi, err := os.Stat(fp.parcelDataPath(sha))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}
