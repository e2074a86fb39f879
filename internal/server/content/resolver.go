package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
)

// Resolver finds-or-creates the shared package-graph entities: packages,
// package versions, architectures and product versions.
//
// Every insert runs in its own transaction on the root connection, never
// inside a caller's transaction. Concurrent resolvers for the same identity
// key may both miss the lookup and race to insert; the loser catches the
// uniqueness violation, re-queries and converges on the winner's row. The
// insert must be isolated because PostgreSQL aborts the enclosing
// transaction after any failed statement.
type Resolver struct {
	db  *sql.DB
	rm  repomanager.RepositoryManager
	log logging.Logger
}

func NewResolver(db *sql.DB, rm repomanager.RepositoryManager, log logging.Logger) *Resolver {
	return &Resolver{db: db, rm: rm, log: log}
}

// ResolveArchitecture returns the architecture with the given name, creating
// it if unknown. Unknown architectures are accepted, not rejected.
func (r *Resolver) ResolveArchitecture(ctx context.Context, name string) (*models.Architecture, error) {
	repo := r.rm.Packages(r.db)

	arch, err := repo.FindArchitecture(ctx, name)
	if err == nil {
		return arch, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	r.log.Info(ctx, "creating unknown architecture", "name", name)
	insErr := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		arch, err = r.rm.Packages(tx).InsertArchitecture(ctx, name)
		return err
	})
	if insErr == nil {
		return arch, nil
	}
	if !dbx.IsUniqueViolation(insErr) {
		return nil, insErr
	}
	return repo.FindArchitecture(ctx, name)
}

// ResolvePackage returns the package with the given name and type, creating
// it if missing.
func (r *Resolver) ResolvePackage(ctx context.Context, name string, packageTypeID int64, classification string) (*models.Package, error) {
	repo := r.rm.Packages(r.db)

	pkg, err := repo.FindPackage(ctx, name, packageTypeID)
	if err == nil {
		return pkg, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	pkg = &models.Package{Name: name, PackageTypeID: packageTypeID, Classification: classification}
	insErr := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return r.rm.Packages(tx).InsertPackage(ctx, pkg)
	})
	if insErr == nil {
		return pkg, nil
	}
	if !dbx.IsUniqueViolation(insErr) {
		return nil, insErr
	}
	return repo.FindPackage(ctx, name, packageTypeID)
}

// ResolvePackageVersion returns the package version identified by the
// descriptor's key tuple, creating it if missing and merging descriptive
// attributes if found. Attribute mismatches between sources claiming the
// same key are logged, not failed; the newer write wins.
func (r *Resolver) ResolvePackageVersion(ctx context.Context, d *models.PackageDetails, packageID, architectureID int64) (*models.PackageVersion, error) {
	repo := r.rm.Packages(r.db)

	pv, err := repo.FindPackageVersionByKey(ctx, d.Key)
	if err == nil {
		return r.merge(ctx, pv, d)
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	fresh := newPackageVersion(d, packageID, architectureID)
	insErr := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return r.rm.Packages(tx).InsertPackageVersion(ctx, fresh)
	})
	if insErr == nil {
		return fresh, nil
	}
	if !dbx.IsUniqueViolation(insErr) {
		return nil, insErr
	}

	// Lost the creation race; converge on the concurrently created row.
	pv, err = repo.FindPackageVersionByKey(ctx, d.Key)
	if err != nil {
		return nil, fmt.Errorf("package version %s missing after conflict: %w", d.Key, err)
	}
	return r.merge(ctx, pv, d)
}

// ResolveProductVersion returns the product version row for the resource
// type, creating it if missing.
func (r *Resolver) ResolveProductVersion(ctx context.Context, resourceTypeID int64, version string) (*models.ProductVersion, error) {
	repo := r.rm.Packages(r.db)

	pver, err := repo.FindProductVersion(ctx, resourceTypeID, version)
	if err == nil {
		return pver, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	insErr := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		pver, err = r.rm.Packages(tx).InsertProductVersion(ctx, resourceTypeID, version)
		return err
	})
	if insErr == nil {
		return pver, nil
	}
	if !dbx.IsUniqueViolation(insErr) {
		return nil, insErr
	}
	return repo.FindProductVersion(ctx, resourceTypeID, version)
}

func (r *Resolver) merge(ctx context.Context, pv *models.PackageVersion, d *models.PackageDetails) (*models.PackageVersion, error) {
	r.warnOnMismatch(ctx, pv, d)
	if !applyDetails(pv, d) {
		return pv, nil
	}
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return r.rm.Packages(tx).UpdatePackageVersionAttributes(ctx, pv)
	})
	if err != nil {
		return nil, err
	}
	return pv, nil
}

// warnOnMismatch logs when a descriptor disagrees with the stored row on the
// fields that should be stable for one identity key. Differing sources may
// legitimately disagree about "the same" version, so this is never fatal.
func (r *Resolver) warnOnMismatch(ctx context.Context, pv *models.PackageVersion, d *models.PackageDetails) {
	key := pv.ID
	if d.FileName != "" && pv.FileName != "" && d.FileName != pv.FileName {
		r.log.Warn(ctx, "package version file name mismatch",
			"packageVersionID", key, "stored", pv.FileName, "reported", d.FileName)
	}
	if d.FileSize != 0 && pv.FileSize != 0 && d.FileSize != pv.FileSize {
		r.log.Warn(ctx, "package version file size mismatch",
			"packageVersionID", key, "stored", pv.FileSize, "reported", d.FileSize)
	}
	if d.MD5 != "" && pv.MD5 != "" && d.MD5 != pv.MD5 {
		r.log.Warn(ctx, "package version md5 mismatch",
			"packageVersionID", key, "stored", pv.MD5, "reported", d.MD5)
	}
	if d.SHA256 != "" && pv.SHA256 != "" && d.SHA256 != pv.SHA256 {
		r.log.Warn(ctx, "package version sha256 mismatch",
			"packageVersionID", key, "stored", pv.SHA256, "reported", d.SHA256)
	}
	if d.ExtraProperties != "" && pv.ExtraProps != "" && d.ExtraProperties != pv.ExtraProps {
		r.log.Warn(ctx, "package version extra properties mismatch",
			"packageVersionID", key)
	}
}

// applyDetails copies descriptive attributes from the descriptor onto the
// row, reporting whether anything changed. Identity fields are untouched.
func applyDetails(pv *models.PackageVersion, d *models.PackageDetails) bool {
	changed := false
	setString := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	setString(&pv.DisplayName, d.DisplayName)
	setString(&pv.DisplayVersion, d.DisplayVersion)
	setString(&pv.FileName, d.FileName)
	setString(&pv.LicenseName, d.LicenseName)
	setString(&pv.LicenseVer, d.LicenseVersion)
	setString(&pv.ShortDesc, d.ShortDescription)
	setString(&pv.LongDesc, d.LongDescription)
	setString(&pv.MD5, d.MD5)
	setString(&pv.SHA256, d.SHA256)
	setString(&pv.ExtraProps, d.ExtraProperties)
	if d.FileSize != 0 && pv.FileSize != d.FileSize {
		pv.FileSize = d.FileSize
		changed = true
	}
	if len(d.Metadata) > 0 && string(pv.Metadata) != string(d.Metadata) {
		pv.Metadata = d.Metadata
		changed = true
	}
	return changed
}

func newPackageVersion(d *models.PackageDetails, packageID, architectureID int64) *models.PackageVersion {
	return &models.PackageVersion{
		PackageID:      packageID,
		ArchitectureID: architectureID,
		Version:        d.Key.Version,
		DisplayName:    d.DisplayName,
		DisplayVersion: d.DisplayVersion,
		FileName:       d.FileName,
		FileSize:       d.FileSize,
		LicenseName:    d.LicenseName,
		LicenseVer:     d.LicenseVersion,
		ShortDesc:      d.ShortDescription,
		LongDesc:       d.LongDescription,
		MD5:            d.MD5,
		SHA256:         d.SHA256,
		Metadata:       d.Metadata,
		ExtraProps:     d.ExtraProperties,
	}
}
