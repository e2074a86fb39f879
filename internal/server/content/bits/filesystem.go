package bits

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/logging"
)

// bucketSize bounds directory fan-out to roughly this many files per bucket.
const bucketSize = 2000

// maxSegmentLen is the filesystem name-length ceiling for one path segment.
const maxSegmentLen = 255

// Filesystem stores payloads as files under a configured root, bucketed by
// package version id.
type Filesystem struct {
	root string
	log  logging.Logger
}

func NewFilesystem(root string, log logging.Logger) *Filesystem {
	return &Filesystem{root: root, log: log}
}

// PathFor derives the deterministic on-disk location for a payload:
// {root}/{id/2000}/{id}-{fileName}, with the final segment truncated to fit
// the 255-character limit.
func (f *Filesystem) PathFor(packageVersionID int64, fileName string) string {
	segment := strconv.FormatInt(packageVersionID, 10) + "-" + sanitizeFileName(fileName)
	if len(segment) > maxSegmentLen {
		segment = segment[:maxSegmentLen]
	}
	return filepath.Join(f.root, strconv.FormatInt(packageVersionID/bucketSize, 10), segment)
}

func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	return strings.ReplaceAll(name, string(os.PathSeparator), "_")
}

// Write stores the payload atomically: the stream lands in a uniquely named
// temp file first and is renamed into place only when fully written. If the
// destination already exists its digest decides the outcome: a match is an
// idempotent no-op, a mismatch is an error so divergent content is never
// silently overwritten.
func (f *Filesystem) Write(ctx context.Context, ref Ref, r io.Reader) error {
	dest := f.PathFor(ref.PackageVersionID, ref.FileName)

	if _, err := os.Stat(dest); err == nil {
		return f.verifyExisting(dest, ref)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dest, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create bits directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(dest), "."+uuid.NewString()+".part")
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("write bits: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename bits file: %w", err)
	}
	return nil
}

func (f *Filesystem) verifyExisting(dest string, ref Ref) error {
	if ref.MD5 == "" {
		// No expected digest to compare; treat the existing file as loaded.
		return nil
	}
	digest, err := fileMD5(dest)
	if err != nil {
		return err
	}
	if !strings.EqualFold(digest, ref.MD5) {
		return fmt.Errorf("%w: %s has md5 %s, expected %s",
			common.ErrChecksumMismatch, dest, digest, ref.MD5)
	}
	return nil
}

func fileMD5(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	h := md5.New()
	if _, err := io.Copy(h, in); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OpenRange opens the payload file positioned at start. A missing file means
// the bits were removed out-of-band; ErrBitsNotLoaded signals the caller to
// re-download.
func (f *Filesystem) OpenRange(ctx context.Context, ref Ref, start, end int64) (io.ReadCloser, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}

	in, err := os.Open(f.PathFor(ref.PackageVersionID, ref.FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.ErrBitsNotLoaded
	}
	if err != nil {
		return nil, fmt.Errorf("open bits file: %w", err)
	}
	if start > 0 {
		if _, err := in.Seek(start, io.SeekStart); err != nil {
			in.Close()
			return nil, fmt.Errorf("seek bits file: %w", err)
		}
	}
	if end == -1 {
		return in, nil
	}
	return limitReadCloser(in, end-start+1), nil
}

func (f *Filesystem) Exists(ctx context.Context, ref Ref) (bool, error) {
	_, err := os.Stat(f.PathFor(ref.PackageVersionID, ref.FileName))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat bits file: %w", err)
	}
	return true, nil
}

// Delete removes the payload file. A file already gone is not an error.
func (f *Filesystem) Delete(ctx context.Context, ref Ref) error {
	err := os.Remove(f.PathFor(ref.PackageVersionID, ref.FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove bits file: %w", err)
	}
	return nil
}
