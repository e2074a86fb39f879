package packages

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

// PostgresRepository implements package-graph storage over a dbx.DBTX
// (*sql.DB or *sql.Tx). The SQL sticks to the portable subset so the same
// implementation backs the in-memory SQLite test databases.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// orphanCondition matches package versions with no content source mapping,
// no repo mapping and no installed-package reference.
const orphanCondition = `
	NOT EXISTS (SELECT 1 FROM package_version_content_sources m WHERE m.package_version_id = pv.id)
	AND NOT EXISTS (SELECT 1 FROM repo_package_versions r WHERE r.package_version_id = pv.id)
	AND NOT EXISTS (SELECT 1 FROM installed_packages i WHERE i.package_version_id = pv.id)`

func (r *PostgresRepository) FindArchitecture(ctx context.Context, name string) (*models.Architecture, error) {
	arch := &models.Architecture{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name FROM architectures WHERE name = $1`, name).
		Scan(&arch.ID, &arch.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return arch, nil
}

func (r *PostgresRepository) InsertArchitecture(ctx context.Context, name string) (*models.Architecture, error) {
	arch := &models.Architecture{Name: name}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO architectures (name) VALUES ($1) RETURNING id`, name).
		Scan(&arch.ID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return arch, nil
}

func (r *PostgresRepository) FindResourceType(ctx context.Context, name, plugin string) (*models.ResourceType, error) {
	rt := &models.ResourceType{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, plugin FROM resource_types WHERE name = $1 AND plugin = $2`,
		name, plugin).
		Scan(&rt.ID, &rt.Name, &rt.Plugin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rt, nil
}

func (r *PostgresRepository) FindPackageType(ctx context.Context, name string, resourceTypeID *int64) (*models.PackageType, error) {
	pt := &models.PackageType{}
	var row *sql.Row
	if resourceTypeID != nil {
		row = r.db.QueryRowContext(ctx,
			`SELECT id, name, resource_type_id FROM package_types WHERE name = $1 AND resource_type_id = $2`,
			name, *resourceTypeID)
	} else {
		row = r.db.QueryRowContext(ctx,
			`SELECT id, name, resource_type_id FROM package_types WHERE name = $1 AND resource_type_id IS NULL`,
			name)
	}
	var rtID sql.NullInt64
	err := row.Scan(&pt.ID, &pt.Name, &rtID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if rtID.Valid {
		pt.ResourceTypeID = &rtID.Int64
	}
	return pt, nil
}

func (r *PostgresRepository) FindPackage(ctx context.Context, name string, packageTypeID int64) (*models.Package, error) {
	pkg := &models.Package{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, package_type_id, classification FROM packages
		 WHERE name = $1 AND package_type_id = $2`,
		name, packageTypeID).
		Scan(&pkg.ID, &pkg.Name, &pkg.PackageTypeID, &pkg.Classification)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return pkg, nil
}

func (r *PostgresRepository) InsertPackage(ctx context.Context, pkg *models.Package) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO packages (name, package_type_id, classification) VALUES ($1, $2, $3) RETURNING id`,
		pkg.Name, pkg.PackageTypeID, pkg.Classification).
		Scan(&pkg.ID)
	if err != nil {
		return fmt.Errorf("insert package: %w", err)
	}
	return nil
}

const packageVersionColumns = `
	pv.id, pv.package_id, pv.architecture_id, pv.version, pv.display_name,
	pv.display_version, pv.file_name, pv.file_size, pv.file_created_at,
	pv.license_name, pv.license_version, pv.short_description,
	pv.long_description, pv.md5, pv.sha256, pv.metadata, pv.config_id,
	pv.package_bits_id, COALESCE(c.payload, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackageVersion(row rowScanner) (*models.PackageVersion, error) {
	pv := &models.PackageVersion{}
	var createdAt sql.NullTime
	var configID, bitsID sql.NullInt64
	err := row.Scan(
		&pv.ID, &pv.PackageID, &pv.ArchitectureID, &pv.Version, &pv.DisplayName,
		&pv.DisplayVersion, &pv.FileName, &pv.FileSize, &createdAt,
		&pv.LicenseName, &pv.LicenseVer, &pv.ShortDesc,
		&pv.LongDesc, &pv.MD5, &pv.SHA256, &pv.Metadata, &configID,
		&bitsID, &pv.ExtraProps,
	)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		pv.FileCreatedAt = &createdAt.Time
	}
	if configID.Valid {
		pv.ConfigID = &configID.Int64
	}
	if bitsID.Valid {
		pv.PackageBitsID = &bitsID.Int64
	}
	return pv, nil
}

func (r *PostgresRepository) GetPackageVersion(ctx context.Context, id int64) (*models.PackageVersion, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+packageVersionColumns+`
		 FROM package_versions pv
		 LEFT JOIN configurations c ON c.id = pv.config_id
		 WHERE pv.id = $1`, id)
	pv, err := scanPackageVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return pv, nil
}

// FindPackageVersionByKey looks up a package version by the identity tuple
// (package name, package type, architecture, version, resource type).
func (r *PostgresRepository) FindPackageVersionByKey(ctx context.Context, key models.PackageDetailsKey) (*models.PackageVersion, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+packageVersionColumns+`
		 FROM package_versions pv
		 JOIN packages p ON p.id = pv.package_id
		 JOIN package_types pt ON pt.id = p.package_type_id
		 JOIN architectures a ON a.id = pv.architecture_id
		 LEFT JOIN resource_types rt ON rt.id = pt.resource_type_id
		 LEFT JOIN configurations c ON c.id = pv.config_id
		 WHERE p.name = $1 AND pt.name = $2 AND a.name = $3 AND pv.version = $4
		   AND (($5 = '' AND pt.resource_type_id IS NULL)
		     OR (rt.name = $5 AND rt.plugin = $6))`,
		key.PackageName, key.PackageTypeName, key.ArchitectureName, key.Version,
		key.ResourceTypeName, key.ResourceTypePlugin)
	pv, err := scanPackageVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return pv, nil
}

func (r *PostgresRepository) InsertPackageVersion(ctx context.Context, pv *models.PackageVersion) error {
	if pv.ExtraProps != "" {
		var configID int64
		err := r.db.QueryRowContext(ctx,
			`INSERT INTO configurations (payload) VALUES ($1) RETURNING id`, pv.ExtraProps).
			Scan(&configID)
		if err != nil {
			return fmt.Errorf("insert extra properties: %w", err)
		}
		pv.ConfigID = &configID
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO package_versions (
			package_id, architecture_id, version, display_name, display_version,
			file_name, file_size, file_created_at, license_name, license_version,
			short_description, long_description, md5, sha256, metadata, config_id
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		pv.PackageID, pv.ArchitectureID, pv.Version, pv.DisplayName, pv.DisplayVersion,
		pv.FileName, pv.FileSize, pv.FileCreatedAt, pv.LicenseName, pv.LicenseVer,
		pv.ShortDesc, pv.LongDesc, pv.MD5, pv.SHA256, pv.Metadata, pv.ConfigID).
		Scan(&pv.ID)
	if err != nil {
		return fmt.Errorf("insert package version: %w", err)
	}
	return nil
}

// UpdatePackageVersionAttributes overwrites the descriptive attributes of an
// existing row. Identity fields are never touched.
func (r *PostgresRepository) UpdatePackageVersionAttributes(ctx context.Context, pv *models.PackageVersion) error {
	if pv.ExtraProps != "" {
		if pv.ConfigID != nil {
			_, err := r.db.ExecContext(ctx,
				`UPDATE configurations SET payload = $1 WHERE id = $2`, pv.ExtraProps, *pv.ConfigID)
			if err != nil {
				return fmt.Errorf("update extra properties: %w", err)
			}
		} else {
			var configID int64
			err := r.db.QueryRowContext(ctx,
				`INSERT INTO configurations (payload) VALUES ($1) RETURNING id`, pv.ExtraProps).
				Scan(&configID)
			if err != nil {
				return fmt.Errorf("insert extra properties: %w", err)
			}
			pv.ConfigID = &configID
		}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE package_versions SET
			display_name = $1, display_version = $2, file_name = $3, file_size = $4,
			file_created_at = $5, license_name = $6, license_version = $7,
			short_description = $8, long_description = $9, md5 = $10, sha256 = $11,
			metadata = $12, config_id = $13
		 WHERE id = $14`,
		pv.DisplayName, pv.DisplayVersion, pv.FileName, pv.FileSize,
		pv.FileCreatedAt, pv.LicenseName, pv.LicenseVer,
		pv.ShortDesc, pv.LongDesc, pv.MD5, pv.SHA256,
		pv.Metadata, pv.ConfigID, pv.ID)
	if err != nil {
		return fmt.Errorf("update package version: %w", err)
	}
	return nil
}

// DeletePackageVersionIfOrphaned removes the package version only if nothing
// references it anymore. Returns whether a row was deleted.
func (r *PostgresRepository) DeletePackageVersionIfOrphaned(ctx context.Context, id int64) (bool, error) {
	var configID sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT pv.config_id FROM package_versions pv WHERE pv.id = $1 AND `+orphanCondition, id).
		Scan(&configID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // still referenced, or already gone
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM product_version_package_versions WHERE package_version_id = $1`, id); err != nil {
		return false, fmt.Errorf("delete product version mappings: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM package_versions WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("delete package version: %w", err)
	}
	if configID.Valid {
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM configurations WHERE id = $1`, configID.Int64); err != nil {
			return false, fmt.Errorf("delete extra properties: %w", err)
		}
	}
	return true, nil
}

func (r *PostgresRepository) FindProductVersion(ctx context.Context, resourceTypeID int64, version string) (*models.ProductVersion, error) {
	pver := &models.ProductVersion{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, resource_type_id, version FROM product_versions
		 WHERE resource_type_id = $1 AND version = $2`,
		resourceTypeID, version).
		Scan(&pver.ID, &pver.ResourceTypeID, &pver.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return pver, nil
}

func (r *PostgresRepository) InsertProductVersion(ctx context.Context, resourceTypeID int64, version string) (*models.ProductVersion, error) {
	pver := &models.ProductVersion{ResourceTypeID: resourceTypeID, Version: version}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO product_versions (resource_type_id, version) VALUES ($1, $2) RETURNING id`,
		resourceTypeID, version).
		Scan(&pver.ID)
	if err != nil {
		return nil, fmt.Errorf("insert product version: %w", err)
	}
	return pver, nil
}

func (r *PostgresRepository) UpsertProductVersionMapping(ctx context.Context, productVersionID, packageVersionID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO product_version_package_versions (product_version_id, package_version_id)
		 VALUES ($1, $2)
		 ON CONFLICT (product_version_id, package_version_id) DO NOTHING`,
		productVersionID, packageVersionID)
	if err != nil {
		return fmt.Errorf("upsert product version mapping: %w", err)
	}
	return nil
}

// LoadedBits reports the bits-loaded status of a package version without
// touching the payload.
func (r *PostgresRepository) LoadedBits(ctx context.Context, packageVersionID int64) (*models.LoadedBitsComposite, error) {
	c := &models.LoadedBitsComposite{PackageVersionID: packageVersionID}
	var bitsID sql.NullInt64
	var storage sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT pv.file_name, pv.package_bits_id, b.storage
		 FROM package_versions pv
		 LEFT JOIN package_bits b ON b.id = pv.package_bits_id
		 WHERE pv.id = $1`, packageVersionID).
		Scan(&c.FileName, &bitsID, &storage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if bitsID.Valid {
		c.PackageBitsID = &bitsID.Int64
	}
	if storage.Valid {
		c.Storage = models.BitsStorage(storage.String)
	}
	return c, nil
}

func (r *PostgresRepository) CreatePackageBits(ctx context.Context, storage models.BitsStorage) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO package_bits (storage) VALUES ($1) RETURNING id`, string(storage)).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create package bits: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) AttachPackageBits(ctx context.Context, packageVersionID, bitsID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE package_versions SET package_bits_id = $1 WHERE id = $2`, bitsID, packageVersionID)
	if err != nil {
		return fmt.Errorf("attach package bits: %w", err)
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

func (r *PostgresRepository) InsertInstalledPackage(ctx context.Context, resourceID, packageVersionID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO installed_packages (resource_id, package_version_id) VALUES ($1, $2)`,
		resourceID, packageVersionID)
	if err != nil {
		return fmt.Errorf("insert installed package: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SelectOrphanConfigIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT pv.config_id FROM package_versions pv
		 WHERE pv.config_id IS NOT NULL AND `+orphanCondition)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) SelectOrphanFiles(ctx context.Context) ([]OrphanFile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT pv.id, pv.file_name, b.storage
		 FROM package_versions pv
		 JOIN package_bits b ON b.id = pv.package_bits_id
		 WHERE b.storage <> 'db' AND `+orphanCondition)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var files []OrphanFile
	for rows.Next() {
		var f OrphanFile
		var storage string
		if err := rows.Scan(&f.PackageVersionID, &f.FileName, &storage); err != nil {
			return nil, err
		}
		f.Storage = models.BitsStorage(storage)
		files = append(files, f)
	}
	return files, rows.Err()
}

// inList builds "($1, $2, ...)" starting at the given placeholder index.
func inList(n, start int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	b.WriteByte(')')
	return b.String()
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (r *PostgresRepository) DetachOrphanConfigs(ctx context.Context, configIDs []int64) error {
	if len(configIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE package_versions SET config_id = NULL WHERE config_id IN `+inList(len(configIDs), 1),
		int64Args(configIDs)...)
	if err != nil {
		return fmt.Errorf("detach configs: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteConfigurations(ctx context.Context, configIDs []int64) error {
	if len(configIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM configurations WHERE id IN `+inList(len(configIDs), 1),
		int64Args(configIDs)...)
	if err != nil {
		return fmt.Errorf("delete configurations: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteOrphanProductVersionMappings(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM product_version_package_versions WHERE package_version_id IN (
			SELECT pv.id FROM package_versions pv WHERE `+orphanCondition+`)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan product version mappings: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteOrphanPackageVersions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM package_versions WHERE id IN (
			SELECT pv.id FROM package_versions pv WHERE `+orphanCondition+`)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan package versions: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteUnreferencedPackageBits(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM package_bits WHERE NOT EXISTS (
			SELECT 1 FROM package_versions pv WHERE pv.package_bits_id = package_bits.id)`)
	if err != nil {
		return 0, fmt.Errorf("delete unreferenced package bits: %w", err)
	}
	return res.RowsAffected()
}
