package models

import "fmt"

// PackageDetailsKey is the wire-level identity tuple used for all package
// version lookups and uniqueness decisions.
type PackageDetailsKey struct {
	PackageName        string
	PackageTypeName    string
	ArchitectureName   string
	Version            string
	ResourceTypeName   string
	ResourceTypePlugin string
}

func (k PackageDetailsKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s[%s|%s]",
		k.PackageName, k.PackageTypeName, k.ArchitectureName, k.Version,
		k.ResourceTypeName, k.ResourceTypePlugin)
}

// PackageDetails is one package descriptor as reported by a content provider.
type PackageDetails struct {
	Key PackageDetailsKey

	DisplayName    string
	DisplayVersion string
	Classification string

	FileName  string
	FileSize  int64
	MD5       string
	SHA256    string
	LicenseName    string
	LicenseVersion string
	ShortDescription string
	LongDescription  string
	Metadata         []byte
	ExtraProperties  string

	// Location is the provider-side locator used to fetch the bits later.
	Location string

	// ResourceVersions lists resource versions this package supports; each is
	// materialized as a ProductVersion mapping during the ADD phase.
	ResourceVersions []string
}

// PackageSyncReport is the diff between a provider's current remote inventory
// and the previously known mapping for one content source.
type PackageSyncReport struct {
	NewPackages     []PackageDetails
	UpdatedPackages []PackageDetails
	DeletedPackages []PackageDetails
	Summary         string
}

// Counts returns the new/updated/deleted totals.
func (r *PackageSyncReport) Counts() (int, int, int) {
	return len(r.NewPackages), len(r.UpdatedPackages), len(r.DeletedPackages)
}
