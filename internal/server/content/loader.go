package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/content/bits"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
	"github.com/sethvargo/go-retry"
)

// Loader moves payloads between providers and the bits backends: it downloads
// bits on demand, verifies loaded state, and opens byte-range reads. For
// NEVER-mode sources reads pass through live to the provider and nothing is
// ever persisted.
type Loader struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	registry *Registry
	backends map[models.BitsStorage]bits.Backend
	log      logging.Logger
	timeout  time.Duration
}

func NewLoader(db *sql.DB, rm repomanager.RepositoryManager, registry *Registry,
	backends map[models.BitsStorage]bits.Backend, timeout time.Duration, log logging.Logger) *Loader {
	return &Loader{db: db, rm: rm, registry: registry, backends: backends, timeout: timeout, log: log}
}

// storageFor maps a download mode to the backend holding its payloads.
func storageFor(mode models.DownloadMode) (models.BitsStorage, bool) {
	switch mode {
	case models.DownloadModeDatabase:
		return models.BitsStorageDB, true
	case models.DownloadModeFilesystem:
		return models.BitsStorageFS, true
	case models.DownloadModeS3:
		return models.BitsStorageS3, true
	}
	return "", false
}

func (l *Loader) backendFor(mode models.DownloadMode) (bits.Backend, models.BitsStorage, error) {
	storage, ok := storageFor(mode)
	if !ok {
		return nil, "", fmt.Errorf("download mode %s has no storage backend", mode)
	}
	b, ok := l.backends[storage]
	if !ok {
		return nil, "", fmt.Errorf("no backend configured for %s storage", storage)
	}
	return b, storage, nil
}

// EnsureLoaded downloads the package version's bits from the source's
// provider unless they are already present. A bits row whose backing data
// was removed out-of-band is re-downloaded in place.
func (l *Loader) EnsureLoaded(ctx context.Context, source *models.ContentSource, packageVersionID int64) error {
	if source.DownloadMode == models.DownloadModeNever {
		return nil
	}
	backend, storage, err := l.backendFor(source.DownloadMode)
	if err != nil {
		return err
	}

	pkgRepo := l.rm.Packages(l.db)
	pv, err := pkgRepo.GetPackageVersion(ctx, packageVersionID)
	if err != nil {
		return err
	}

	ref := bits.Ref{PackageVersionID: pv.ID, FileName: pv.FileName, MD5: pv.MD5}
	if pv.PackageBitsID != nil {
		ref.BitsID = *pv.PackageBitsID
		present, err := backend.Exists(ctx, ref)
		if err != nil {
			return err
		}
		if present {
			return nil
		}
		l.log.Warn(ctx, "loaded bits missing from backend, re-downloading",
			"packageVersionID", pv.ID, "storage", storage)
	}

	mapping, err := l.rm.Sources(l.db).GetMapping(ctx, packageVersionID, source.ID)
	if err != nil {
		return fmt.Errorf("no mapping for package version %d on source %d: %w",
			packageVersionID, source.ID, err)
	}
	provider, err := l.registry.Lookup(source.TypeName)
	if err != nil {
		return err
	}

	if ref.BitsID == 0 {
		ref.BitsID, err = pkgRepo.CreatePackageBits(ctx, storage)
		if err != nil {
			return err
		}
	}

	if err := l.download(ctx, provider, source, mapping.Location, backend, ref); err != nil {
		return err
	}

	if pv.PackageBitsID == nil {
		if err := pkgRepo.AttachPackageBits(ctx, pv.ID, ref.BitsID); err != nil {
			return err
		}
	}
	l.log.Info(ctx, "package bits loaded",
		"packageVersionID", pv.ID, "storage", storage, "fileName", pv.FileName)
	return nil
}

// download fetches the payload and hands it to the backend, retrying
// transient provider failures with exponential backoff. Backend failures
// (checksum mismatch, disk errors) are not retried.
func (l *Loader) download(ctx context.Context, provider Provider, source *models.ContentSource,
	location string, backend bits.Backend, ref bits.Ref) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		stream, err := provider.LoadPackageBits(ctx, source, location)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("load bits from provider: %w", err))
		}
		defer stream.Close()
		return backend.Write(ctx, ref, stream)
	})
}

// Open returns a reader over [start, end] of the payload. end == -1 reads
// through EOF. Bits not yet loaded are downloaded first (lazy load); a
// recorded payload whose backing data disappeared is self-healed by one
// re-download.
func (l *Loader) Open(ctx context.Context, source *models.ContentSource, packageVersionID int64, start, end int64) (io.ReadCloser, error) {
	if err := bits.ValidateRange(start, end); err != nil {
		return nil, err
	}
	if source.DownloadMode == models.DownloadModeNever {
		return l.openPassthrough(ctx, source, packageVersionID, start, end)
	}

	backend, _, err := l.backendFor(source.DownloadMode)
	if err != nil {
		return nil, err
	}

	composite, err := l.rm.Packages(l.db).LoadedBits(ctx, packageVersionID)
	if err != nil {
		return nil, err
	}
	if !composite.Available() {
		if err := l.EnsureLoaded(ctx, source, packageVersionID); err != nil {
			return nil, err
		}
		composite, err = l.rm.Packages(l.db).LoadedBits(ctx, packageVersionID)
		if err != nil {
			return nil, err
		}
	}

	ref := bits.Ref{
		PackageVersionID: packageVersionID,
		BitsID:           *composite.PackageBitsID,
		FileName:         composite.FileName,
	}
	rc, err := backend.OpenRange(ctx, ref, start, end)
	if errors.Is(err, common.ErrBitsNotLoaded) {
		if err := l.EnsureLoaded(ctx, source, packageVersionID); err != nil {
			return nil, err
		}
		return backend.OpenRange(ctx, ref, start, end)
	}
	return rc, err
}

// openPassthrough streams directly from the provider, discarding the bytes
// before start and bounding the tail when end is given.
func (l *Loader) openPassthrough(ctx context.Context, source *models.ContentSource, packageVersionID int64, start, end int64) (io.ReadCloser, error) {
	mapping, err := l.rm.Sources(l.db).GetMapping(ctx, packageVersionID, source.ID)
	if err != nil {
		return nil, err
	}
	provider, err := l.registry.Lookup(source.TypeName)
	if err != nil {
		return nil, err
	}
	stream, err := provider.LoadPackageBits(ctx, source, mapping.Location)
	if err != nil {
		return nil, fmt.Errorf("load bits from provider: %w", err)
	}
	if start > 0 {
		if _, err := io.CopyN(io.Discard, stream, start); err != nil {
			stream.Close()
			return nil, fmt.Errorf("skip to range start: %w", err)
		}
	}
	if end == -1 {
		return stream, nil
	}
	return newLimitedStream(stream, end-start+1), nil
}

type limitedStream struct {
	io.Reader
	c io.Closer
}

func (s *limitedStream) Close() error { return s.c.Close() }

func newLimitedStream(rc io.ReadCloser, n int64) io.ReadCloser {
	return &limitedStream{Reader: io.LimitReader(rc, n), c: rc}
}
