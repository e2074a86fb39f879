// Package bits implements the binary payload backends for package versions:
// a database column streamed in windows, a local file tree bucketed by
// package version id, and an S3-compatible object store.
package bits

import (
	"context"
	"fmt"
	"io"

	"github.com/packhub/packhub/internal/common"
)

// Ref identifies one payload independently of the package-version row, so
// purge can address files whose rows are already deleted.
type Ref struct {
	PackageVersionID int64
	BitsID           int64
	FileName         string
	MD5              string // expected hex digest, empty when unknown
}

// Backend stores and retrieves whole payloads for one storage kind.
//
// Write is atomic at whole-stream granularity: a payload is either fully
// present afterwards or not referenced at all. OpenRange returns
// common.ErrBitsNotLoaded when the payload is recorded as present but the
// backing data has been removed out-of-band; callers use that to trigger a
// re-download.
type Backend interface {
	Write(ctx context.Context, ref Ref, r io.Reader) error
	OpenRange(ctx context.Context, ref Ref, start, end int64) (io.ReadCloser, error)
	Exists(ctx context.Context, ref Ref) (bool, error)
	Delete(ctx context.Context, ref Ref) error
}

// ValidateRange checks a byte range request: start must be non-negative and
// end is either -1 (through EOF) or at least start.
func ValidateRange(start, end int64) error {
	if start < 0 {
		return fmt.Errorf("%w: start byte %d", common.ErrInvalidRange, start)
	}
	if end != -1 && end < start {
		return fmt.Errorf("%w: end byte %d before start byte %d", common.ErrInvalidRange, end, start)
	}
	return nil
}

func errNotLoaded(cause error) error {
	return fmt.Errorf("%w: %v", common.ErrBitsNotLoaded, cause)
}

// limitedReadCloser bounds an underlying stream to n bytes while keeping its
// Close.
type limitedReadCloser struct {
	io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Close() error { return l.c.Close() }

func limitReadCloser(rc io.ReadCloser, n int64) io.ReadCloser {
	return &limitedReadCloser{Reader: io.LimitReader(rc, n), c: rc}
}
