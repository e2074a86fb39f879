package bits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/dbx"
)

// dbChunkSize is the window used for both append writes and range reads of
// the bits column, keeping memory bounded regardless of payload size.
const dbChunkSize = 64 * 1024

// Database stores payloads in the package_bits.bits column, streamed in
// windows so the payload is never held in memory whole.
type Database struct {
	db dbx.DBTX
}

func NewDatabase(db dbx.DBTX) *Database {
	return &Database{db: db}
}

// Write streams the payload into the bits column: the first chunk replaces
// the column, subsequent chunks append. Each statement commits on its own;
// the payload only becomes visible to readers once the caller attaches the
// bits row to the package version.
func (d *Database) Write(ctx context.Context, ref Ref, r io.Reader) error {
	buf := make([]byte, dbChunkSize)
	first := true
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			var stmt string
			if first {
				stmt = `UPDATE package_bits SET bits = $1 WHERE id = $2`
			} else {
				stmt = `UPDATE package_bits SET bits = bits || $1 WHERE id = $2`
			}
			res, execErr := d.db.ExecContext(ctx, stmt, chunk, ref.BitsID)
			if execErr != nil {
				return fmt.Errorf("write bits chunk: %w", execErr)
			}
			if rows, raErr := res.RowsAffected(); raErr == nil && rows == 0 {
				return fmt.Errorf("package bits row %d missing", ref.BitsID)
			}
			first = false
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}
	if first {
		// Zero-length payload still needs a non-null column.
		if _, err := d.db.ExecContext(ctx,
			`UPDATE package_bits SET bits = $1 WHERE id = $2`, []byte{}, ref.BitsID); err != nil {
			return fmt.Errorf("write empty bits: %w", err)
		}
	}
	return nil
}

// OpenRange returns a reader over [start, end] of the bits column, fetched
// in substring windows. end == -1 reads through the end of the payload.
func (d *Database) OpenRange(ctx context.Context, ref Ref, start, end int64) (io.ReadCloser, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}

	loaded, err := d.Exists(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !loaded {
		return nil, common.ErrBitsNotLoaded
	}

	remaining := int64(-1)
	if end != -1 {
		remaining = end - start + 1
	}
	return &dbRangeReader{ctx: ctx, db: d.db, bitsID: ref.BitsID, pos: start, remaining: remaining}, nil
}

func (d *Database) Exists(ctx context.Context, ref Ref) (bool, error) {
	var loaded bool
	err := d.db.QueryRowContext(ctx,
		`SELECT bits IS NOT NULL FROM package_bits WHERE id = $1`, ref.BitsID).
		Scan(&loaded)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return loaded, nil
}

// Delete clears the column; the row itself is removed by the orphan purge.
func (d *Database) Delete(ctx context.Context, ref Ref) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE package_bits SET bits = NULL WHERE id = $1`, ref.BitsID)
	if err != nil {
		return fmt.Errorf("clear bits: %w", err)
	}
	return nil
}

// dbRangeReader fetches substring windows of the bits column on demand. It
// holds no database resources between Read calls, so an abandoned reader
// leaks nothing.
type dbRangeReader struct {
	ctx       context.Context
	db        dbx.DBTX
	bitsID    int64
	pos       int64
	remaining int64 // -1 means unbounded
	buf       []byte
	off       int
	eof       bool
}

func (r *dbRangeReader) Read(p []byte) (int, error) {
	if r.off >= len(r.buf) {
		if r.eof || r.remaining == 0 {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
		if len(r.buf) == 0 {
			return 0, io.EOF
		}
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

func (r *dbRangeReader) fill() error {
	window := int64(dbChunkSize)
	if r.remaining != -1 && r.remaining < window {
		window = r.remaining
	}

	var chunk []byte
	err := r.db.QueryRowContext(r.ctx,
		`SELECT substring(bits FROM $1 FOR $2) FROM package_bits WHERE id = $3`,
		r.pos+1, window, r.bitsID).
		Scan(&chunk)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrBitsNotLoaded
	}
	if err != nil {
		return fmt.Errorf("read bits window: %w", err)
	}

	r.buf = chunk
	r.off = 0
	r.pos += int64(len(chunk))
	if r.remaining != -1 {
		r.remaining -= int64(len(chunk))
	}
	if int64(len(chunk)) < window {
		r.eof = true
	}
	return nil
}

func (r *dbRangeReader) Close() error { return nil }
