// Package models defines the content domain entities: packages, package
// versions, bits, content sources, repos and the mapping rows between them.
package models

import (
	"fmt"
	"time"
)

// DownloadMode controls where a content source's package bits are stored.
type DownloadMode string

const (
	// DownloadModeNever means bits are never persisted locally; reads pass
	// through live to the remote provider.
	DownloadModeNever DownloadMode = "NEVER"
	// DownloadModeDatabase stores bits in the package_bits binary column.
	DownloadModeDatabase DownloadMode = "DATABASE"
	// DownloadModeFilesystem stores bits in a local file tree keyed by
	// package version id.
	DownloadModeFilesystem DownloadMode = "FILESYSTEM"
	// DownloadModeS3 stores bits in an S3-compatible object store.
	DownloadModeS3 DownloadMode = "S3"
)

// ParseDownloadMode validates a mode string coming from configuration or API
// input. The empty string defaults to DATABASE, matching the column default.
func ParseDownloadMode(s string) (DownloadMode, error) {
	switch DownloadMode(s) {
	case "":
		return DownloadModeDatabase, nil
	case DownloadModeNever, DownloadModeDatabase, DownloadModeFilesystem, DownloadModeS3:
		return DownloadMode(s), nil
	}
	return "", fmt.Errorf("unknown download mode %q", s)
}

// BitsStorage identifies which backend holds a package_bits payload.
type BitsStorage string

const (
	BitsStorageDB BitsStorage = "db"
	BitsStorageFS BitsStorage = "fs"
	BitsStorageS3 BitsStorage = "s3"
)

// SyncStatus is the lifecycle state of one synchronization run.
type SyncStatus string

const (
	SyncStatusInProgress SyncStatus = "INPROGRESS"
	SyncStatusSuccess    SyncStatus = "SUCCESS"
	SyncStatusFailure    SyncStatus = "FAILURE"
	SyncStatusTimedOut   SyncStatus = "TIMED_OUT"
)

// Architecture is a platform architecture (x86_64, noarch, ...). Unknown
// architectures reported by providers are accepted and created on the fly.
type Architecture struct {
	ID   int64
	Name string
}

// ResourceType is the kind of managed resource a package type belongs to.
// Identified by (name, plugin).
type ResourceType struct {
	ID     int64
	Name   string
	Plugin string
}

// PackageType categorizes packages (rpm, jar, ...), optionally scoped to a
// resource type. Package types are defined by plugin descriptors and are
// never created by a sync.
type PackageType struct {
	ID             int64
	Name           string
	ResourceTypeID *int64
}

// Package is the logical package identity. Multiple versions share one
// Package row. Created once per distinct (name, package type) pair.
type Package struct {
	ID             int64
	Name           string
	PackageTypeID  int64
	Classification string
}

// PackageVersion is one concrete version of a Package.
//
// Identity key: (package name, package type, architecture, version, resource
// type). At most one row exists per key; concurrent creation attempts are
// resolved by lookup-and-merge, never by a duplicate insert.
type PackageVersion struct {
	ID             int64
	PackageID      int64
	ArchitectureID int64
	Version        string
	DisplayName    string
	DisplayVersion string

	FileName      string
	FileSize      int64
	FileCreatedAt *time.Time
	LicenseName   string
	LicenseVer    string
	ShortDesc     string
	LongDesc      string
	MD5           string
	SHA256        string
	Metadata      []byte

	ConfigID       *int64 // extra-properties configuration
	PackageBitsID  *int64 // nil until bits are loaded
	ExtraProps     string // serialized extra properties, written through ConfigID
}

// PackageBits is the payload marker row. For DB storage the payload lives in
// the bits column; for fs/s3 storage the bits column is NULL and Storage
// names the holding backend.
type PackageBits struct {
	ID      int64
	Storage BitsStorage
}

// LoadedBitsComposite answers "are this package version's bits available,
// and where" without touching the payload itself.
type LoadedBitsComposite struct {
	PackageVersionID int64
	FileName         string
	PackageBitsID    *int64
	Storage          BitsStorage
}

// Available reports whether bits are recorded as loaded. The backing file or
// object may still have been deleted out-of-band; callers verify.
func (c *LoadedBitsComposite) Available() bool {
	return c.PackageBitsID != nil
}

// InDatabase reports whether the payload lives in the bits column.
func (c *LoadedBitsComposite) InDatabase() bool {
	return c.Available() && c.Storage == BitsStorageDB
}

// ContentSource is a configured remote repository of packages.
type ContentSource struct {
	ID            int64
	Name          string
	TypeName      string
	Description   string
	Configuration string // provider-specific settings, JSON
	LazyLoad      bool
	DownloadMode  DownloadMode
	SyncSchedule  string // empty disables scheduled syncs
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PackageVersionContentSource maps a package version to the content source
// that can deliver it, carrying the provider-side location string.
type PackageVersionContentSource struct {
	PackageVersionID int64
	ContentSourceID  int64
	Location         string

	// Identity key fields, populated by joined queries so the reconciler can
	// hand the previous inventory to a provider without per-row lookups.
	Key PackageDetailsKey
}

// Repo is a named collection of package versions and content sources that
// resources subscribe to. LastModifiedAt is bumped whenever the package set
// changes; subscription digests are derived from it.
type Repo struct {
	ID             int64
	Name           string
	Description    string
	Candidate      bool
	CreatedAt      time.Time
	LastModifiedAt time.Time
}

// ProductVersion records a supported resource version per resource type.
type ProductVersion struct {
	ID             int64
	ResourceTypeID int64
	Version        string
}

// InstalledPackage records that a resource has a package version installed.
// Its only role in this subsystem is to veto orphan deletion.
type InstalledPackage struct {
	ID               int64
	ResourceID       int64
	PackageVersionID int64
}

// SyncResults is the audit/status record for one synchronization run.
// Results holds the newline-delimited human-readable progress log, appended
// to and re-persisted throughout the run so clients can poll it.
type SyncResults struct {
	ID              int64
	ContentSourceID int64
	Status          SyncStatus
	StartTime       time.Time
	EndTime         *time.Time
	Results         string
}

// Subject is the actor an operation runs as. Background jobs run as the
// overlord, a privileged system actor passed explicitly rather than looked
// up from ambient state.
type Subject struct {
	Name   string
	System bool
}

// Overlord returns the privileged system actor used by background jobs.
func Overlord() Subject {
	return Subject{Name: "system", System: true}
}

func (s Subject) String() string {
	if s.System {
		return s.Name + " (system)"
	}
	return s.Name
}
