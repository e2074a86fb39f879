// Package packages provides persistence for the package graph: packages,
// package versions, architectures, package/resource types, product versions
// and the bits marker rows.
package packages

import (
	"context"

	"github.com/packhub/packhub/internal/server/models"
)

// OrphanFile identifies an on-disk (or object-store) bits payload belonging
// to an orphaned package version. Collected before the bulk delete, because
// the row data needed to compute the path is gone afterwards.
type OrphanFile struct {
	PackageVersionID int64
	FileName         string
	Storage          models.BitsStorage
}

type Repository interface {
	FindArchitecture(ctx context.Context, name string) (*models.Architecture, error)
	InsertArchitecture(ctx context.Context, name string) (*models.Architecture, error)

	FindResourceType(ctx context.Context, name, plugin string) (*models.ResourceType, error)
	FindPackageType(ctx context.Context, name string, resourceTypeID *int64) (*models.PackageType, error)

	FindPackage(ctx context.Context, name string, packageTypeID int64) (*models.Package, error)
	InsertPackage(ctx context.Context, pkg *models.Package) error

	GetPackageVersion(ctx context.Context, id int64) (*models.PackageVersion, error)
	FindPackageVersionByKey(ctx context.Context, key models.PackageDetailsKey) (*models.PackageVersion, error)
	InsertPackageVersion(ctx context.Context, pv *models.PackageVersion) error
	UpdatePackageVersionAttributes(ctx context.Context, pv *models.PackageVersion) error
	DeletePackageVersionIfOrphaned(ctx context.Context, id int64) (bool, error)

	FindProductVersion(ctx context.Context, resourceTypeID int64, version string) (*models.ProductVersion, error)
	InsertProductVersion(ctx context.Context, resourceTypeID int64, version string) (*models.ProductVersion, error)
	UpsertProductVersionMapping(ctx context.Context, productVersionID, packageVersionID int64) error

	LoadedBits(ctx context.Context, packageVersionID int64) (*models.LoadedBitsComposite, error)
	CreatePackageBits(ctx context.Context, storage models.BitsStorage) (int64, error)
	AttachPackageBits(ctx context.Context, packageVersionID, bitsID int64) error

	InsertInstalledPackage(ctx context.Context, resourceID, packageVersionID int64) error

	// Orphan purge primitives, in execution order.
	SelectOrphanConfigIDs(ctx context.Context) ([]int64, error)
	SelectOrphanFiles(ctx context.Context) ([]OrphanFile, error)
	DetachOrphanConfigs(ctx context.Context, configIDs []int64) error
	DeleteConfigurations(ctx context.Context, configIDs []int64) error
	DeleteOrphanProductVersionMappings(ctx context.Context) (int64, error)
	DeleteOrphanPackageVersions(ctx context.Context) (int64, error)
	DeleteUnreferencedPackageBits(ctx context.Context) (int64, error)
}
