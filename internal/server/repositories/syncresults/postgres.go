package syncresults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/server/models"
)

// PostgresRepository implements sync-results storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const resultColumns = `id, content_source_id, status, start_time, end_time, results`

func scanResult(row interface{ Scan(...any) error }) (*models.SyncResults, error) {
	sr := &models.SyncResults{}
	var status string
	var endTime sql.NullTime
	err := row.Scan(&sr.ID, &sr.ContentSourceID, &status, &sr.StartTime, &endTime, &sr.Results)
	if err != nil {
		return nil, err
	}
	sr.Status = models.SyncStatus(status)
	if endTime.Valid {
		sr.EndTime = &endTime.Time
	}
	return sr, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, sr *models.SyncResults) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO content_source_sync_results (content_source_id, status, start_time, results)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sr.ContentSourceID, string(sr.Status), sr.StartTime, sr.Results).
		Scan(&sr.ID)
	if err != nil {
		return fmt.Errorf("insert sync results: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, sr *models.SyncResults) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE content_source_sync_results
		 SET status = $1, end_time = $2, results = $3
		 WHERE id = $4`,
		string(sr.Status), sr.EndTime, sr.Results, sr.ID)
	if err != nil {
		return fmt.Errorf("update sync results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.SyncResults, error) {
	sr, err := scanResult(r.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM content_source_sync_results WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return sr, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM content_source_sync_results WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("delete sync results: %w", err)
	}
	return nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.SyncResults, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncResults
	for rows.Next() {
		sr, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sr)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) ListForSource(ctx context.Context, contentSourceID int64, limit int) ([]*models.SyncResults, error) {
	return r.list(ctx,
		`SELECT `+resultColumns+` FROM content_source_sync_results
		 WHERE content_source_id = $1
		 ORDER BY start_time DESC
		 LIMIT $2`, contentSourceID, limit)
}

func (r *PostgresRepository) ListInProgress(ctx context.Context, contentSourceID int64) ([]*models.SyncResults, error) {
	return r.list(ctx,
		`SELECT `+resultColumns+` FROM content_source_sync_results
		 WHERE content_source_id = $1 AND status = $2
		 ORDER BY start_time DESC`,
		contentSourceID, string(models.SyncStatusInProgress))
}
