package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/server/models"
)

// PostgresRepository implements repo storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const repoColumns = `id, name, description, candidate, created_at, last_modified_at`

func scanRepo(row interface{ Scan(...any) error }) (*models.Repo, error) {
	repo := &models.Repo{}
	err := row.Scan(&repo.ID, &repo.Name, &repo.Description, &repo.Candidate,
		&repo.CreatedAt, &repo.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Create(ctx context.Context, repo *models.Repo) error {
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.LastModifiedAt = now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO repos (name, description, candidate, created_at, last_modified_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		repo.Name, repo.Description, repo.Candidate, repo.CreatedAt, repo.LastModifiedAt).
		Scan(&repo.ID)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("insert repo: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, repo *models.Repo) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE repos SET name = $1, description = $2, candidate = $3 WHERE id = $4`,
		repo.Name, repo.Description, repo.Candidate, repo.ID)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("update repo: %w", err)
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

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM repos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
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

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.Repo, error) {
	repo, err := scanRepo(r.db.QueryRowContext(ctx,
		`SELECT `+repoColumns+` FROM repos WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) GetByName(ctx context.Context, name string) (*models.Repo, error) {
	repo, err := scanRepo(r.db.QueryRowContext(ctx,
		`SELECT `+repoColumns+` FROM repos WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Repo, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, repo)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Repo, error) {
	return r.list(ctx, `SELECT `+repoColumns+` FROM repos ORDER BY name`)
}

func (r *PostgresRepository) AddContentSource(ctx context.Context, repoID, contentSourceID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO repo_content_sources (repo_id, content_source_id) VALUES ($1, $2)
		 ON CONFLICT (repo_id, content_source_id) DO NOTHING`,
		repoID, contentSourceID)
	if err != nil {
		return fmt.Errorf("add content source to repo: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveContentSource(ctx context.Context, repoID, contentSourceID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM repo_content_sources WHERE repo_id = $1 AND content_source_id = $2`,
		repoID, contentSourceID)
	if err != nil {
		return fmt.Errorf("remove content source from repo: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListForContentSource(ctx context.Context, contentSourceID int64) ([]*models.Repo, error) {
	return r.list(ctx,
		`SELECT r.id, r.name, r.description, r.candidate, r.created_at, r.last_modified_at
		 FROM repos r
		 JOIN repo_content_sources rcs ON rcs.repo_id = r.id
		 WHERE rcs.content_source_id = $1
		 ORDER BY r.id`, contentSourceID)
}

func (r *PostgresRepository) AddPackageVersion(ctx context.Context, repoID, packageVersionID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO repo_package_versions (repo_id, package_version_id) VALUES ($1, $2)
		 ON CONFLICT (repo_id, package_version_id) DO NOTHING`,
		repoID, packageVersionID)
	if err != nil {
		return fmt.Errorf("add package version to repo: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemovePackageVersionsWithNoProvider(ctx context.Context, repoID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM repo_package_versions
		 WHERE repo_id = $1 AND NOT EXISTS (
			SELECT 1 FROM package_version_content_sources m
			JOIN repo_content_sources rcs ON rcs.content_source_id = m.content_source_id
			WHERE m.package_version_id = repo_package_versions.package_version_id
			  AND rcs.repo_id = repo_package_versions.repo_id)`,
		repoID)
	if err != nil {
		return 0, fmt.Errorf("remove unprovided package versions: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) TouchForContentSource(ctx context.Context, contentSourceID int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE repos SET last_modified_at = $1
		 WHERE id IN (SELECT repo_id FROM repo_content_sources WHERE content_source_id = $2)`,
		now, contentSourceID)
	if err != nil {
		return fmt.Errorf("touch repos: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Subscribe(ctx context.Context, repoID, resourceID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO repo_resources (repo_id, resource_id) VALUES ($1, $2)
		 ON CONFLICT (repo_id, resource_id) DO NOTHING`,
		repoID, resourceID)
	if err != nil {
		return fmt.Errorf("subscribe resource: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Unsubscribe(ctx context.Context, repoID, resourceID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM repo_resources WHERE repo_id = $1 AND resource_id = $2`,
		repoID, resourceID)
	if err != nil {
		return fmt.Errorf("unsubscribe resource: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListSubscribed(ctx context.Context, resourceID int64) ([]*models.Repo, error) {
	return r.list(ctx,
		`SELECT r.id, r.name, r.description, r.candidate, r.created_at, r.last_modified_at
		 FROM repos r
		 JOIN repo_resources rr ON rr.repo_id = r.id
		 WHERE rr.resource_id = $1
		 ORDER BY r.id`, resourceID)
}
