package sources

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

// PostgresRepository implements content-source storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sourceColumns = `id, name, type_name, description, configuration,
	lazy_load, download_mode, sync_schedule, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (*models.ContentSource, error) {
	cs := &models.ContentSource{}
	var mode string
	err := row.Scan(&cs.ID, &cs.Name, &cs.TypeName, &cs.Description, &cs.Configuration,
		&cs.LazyLoad, &mode, &cs.SyncSchedule, &cs.CreatedAt, &cs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cs.DownloadMode = models.DownloadMode(mode)
	return cs, nil
}

func (r *PostgresRepository) Create(ctx context.Context, cs *models.ContentSource) error {
	now := time.Now().UTC()
	cs.CreatedAt = now
	cs.UpdatedAt = now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO content_sources
			(name, type_name, description, configuration, lazy_load, download_mode, sync_schedule, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		cs.Name, cs.TypeName, cs.Description, cs.Configuration, cs.LazyLoad,
		string(cs.DownloadMode), cs.SyncSchedule, cs.CreatedAt, cs.UpdatedAt).
		Scan(&cs.ID)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("insert content source: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, cs *models.ContentSource) error {
	cs.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE content_sources SET
			name = $1, description = $2, configuration = $3, lazy_load = $4,
			download_mode = $5, sync_schedule = $6, updated_at = $7
		 WHERE id = $8`,
		cs.Name, cs.Description, cs.Configuration, cs.LazyLoad,
		string(cs.DownloadMode), cs.SyncSchedule, cs.UpdatedAt, cs.ID)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("update content source: %w", err)
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
	res, err := r.db.ExecContext(ctx, `DELETE FROM content_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete content source: %w", err)
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

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.ContentSource, error) {
	cs, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM content_sources WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cs, nil
}

func (r *PostgresRepository) GetByName(ctx context.Context, name string) (*models.ContentSource, error) {
	cs, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM content_sources WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cs, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.ContentSource, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ContentSource
	for rows.Next() {
		cs, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cs)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.ContentSource, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM content_sources ORDER BY name`)
}

func (r *PostgresRepository) ListScheduled(ctx context.Context) ([]*models.ContentSource, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM content_sources WHERE sync_schedule <> '' ORDER BY id`)
}

func (r *PostgresRepository) UpsertMapping(ctx context.Context, packageVersionID, contentSourceID int64, location string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO package_version_content_sources (package_version_id, content_source_id, location)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (package_version_id, content_source_id)
		 DO UPDATE SET location = EXCLUDED.location`,
		packageVersionID, contentSourceID, location)
	if err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteMapping(ctx context.Context, packageVersionID, contentSourceID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM package_version_content_sources
		 WHERE package_version_id = $1 AND content_source_id = $2`,
		packageVersionID, contentSourceID)
	if err != nil {
		return false, fmt.Errorf("delete mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) GetMapping(ctx context.Context, packageVersionID, contentSourceID int64) (*models.PackageVersionContentSource, error) {
	m := &models.PackageVersionContentSource{}
	err := r.db.QueryRowContext(ctx,
		`SELECT package_version_id, content_source_id, location
		 FROM package_version_content_sources
		 WHERE package_version_id = $1 AND content_source_id = $2`,
		packageVersionID, contentSourceID).
		Scan(&m.PackageVersionID, &m.ContentSourceID, &m.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

const mappingWithKeyQuery = `
	SELECT m.package_version_id, m.content_source_id, m.location,
	       p.name, pt.name, a.name, pv.version,
	       COALESCE(rt.name, ''), COALESCE(rt.plugin, '')
	FROM package_version_content_sources m
	JOIN package_versions pv ON pv.id = m.package_version_id
	JOIN packages p ON p.id = pv.package_id
	JOIN package_types pt ON pt.id = p.package_type_id
	JOIN architectures a ON a.id = pv.architecture_id
	LEFT JOIN resource_types rt ON rt.id = pt.resource_type_id`

func (r *PostgresRepository) listMappings(ctx context.Context, query string, args ...any) ([]*models.PackageVersionContentSource, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.PackageVersionContentSource
	for rows.Next() {
		m := &models.PackageVersionContentSource{}
		if err := rows.Scan(
			&m.PackageVersionID, &m.ContentSourceID, &m.Location,
			&m.Key.PackageName, &m.Key.PackageTypeName, &m.Key.ArchitectureName, &m.Key.Version,
			&m.Key.ResourceTypeName, &m.Key.ResourceTypePlugin,
		); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) ListMappings(ctx context.Context, contentSourceID int64) ([]*models.PackageVersionContentSource, error) {
	return r.listMappings(ctx,
		mappingWithKeyQuery+` WHERE m.content_source_id = $1 ORDER BY m.package_version_id`,
		contentSourceID)
}

func (r *PostgresRepository) ListUnloadedMappings(ctx context.Context, contentSourceID int64) ([]*models.PackageVersionContentSource, error) {
	return r.listMappings(ctx,
		mappingWithKeyQuery+` WHERE m.content_source_id = $1 AND pv.package_bits_id IS NULL
		 ORDER BY m.package_version_id`,
		contentSourceID)
}

func (r *PostgresRepository) FindMappingsForPackageVersion(ctx context.Context, packageVersionID int64) ([]*models.PackageVersionContentSource, error) {
	return r.listMappings(ctx,
		mappingWithKeyQuery+` WHERE m.package_version_id = $1 ORDER BY m.content_source_id`,
		packageVersionID)
}
