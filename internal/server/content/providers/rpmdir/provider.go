// Package rpmdir provides a content provider that serves RPM packages from a
// local directory tree. Useful for mirrored repositories mounted on the
// server and as the reference provider implementation.
package rpmdir

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/sassoftware/go-rpmutils"
)

// TypeName is the content source type this provider registers under.
const TypeName = "rpmdir"

// PackageTypeName is the package type every descriptor carries.
const PackageTypeName = "rpm"

// Config is the provider-specific configuration carried in
// ContentSource.Configuration.
type Config struct {
	// Path is the directory scanned for *.rpm files, recursively.
	Path string `json:"path"`
}

// Provider scans a directory of RPM files and reports them as the remote
// inventory. The location string of each package is its path relative to the
// configured root.
type Provider struct {
	log logging.Logger
}

func New(log logging.Logger) *Provider {
	return &Provider{log: log}
}

func parseConfig(source *models.ContentSource) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal([]byte(source.Configuration), cfg); err != nil {
		return nil, fmt.Errorf("parse rpmdir configuration: %w", err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("rpmdir configuration of %s has no path", source.Name)
	}
	return cfg, nil
}

// TestConnection verifies the configured path exists and is a directory.
func (p *Provider) TestConnection(ctx context.Context, source *models.ContentSource) error {
	cfg, err := parseConfig(source)
	if err != nil {
		return err
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return fmt.Errorf("rpmdir path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("rpmdir path %s is not a directory", cfg.Path)
	}
	return nil
}

// SynchronizePackages scans the directory and diffs it against the
// previously known mappings. Files already known under the same identity key
// are left out of the report; a renamed or re-added file shows up as a
// delete plus an add.
func (p *Provider) SynchronizePackages(ctx context.Context, source *models.ContentSource,
	previous []*models.PackageVersionContentSource) (*models.PackageSyncReport, error) {

	cfg, err := parseConfig(source)
	if err != nil {
		return nil, err
	}

	current, err := p.scan(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}

	known := make(map[string]*models.PackageVersionContentSource, len(previous))
	for _, m := range previous {
		known[m.Key.String()] = m
	}

	report := &models.PackageSyncReport{}
	seen := make(map[string]bool, len(current))
	for i := range current {
		d := &current[i]
		seen[d.Key.String()] = true
		if _, ok := known[d.Key.String()]; !ok {
			report.NewPackages = append(report.NewPackages, *d)
		}
	}
	for _, m := range previous {
		if !seen[m.Key.String()] {
			report.DeletedPackages = append(report.DeletedPackages, models.PackageDetails{Key: m.Key})
		}
	}

	report.Summary = fmt.Sprintf("scanned %s: %d packages, %d new, %d deleted",
		cfg.Path, len(current), len(report.NewPackages), len(report.DeletedPackages))
	return report, nil
}

func (p *Provider) scan(ctx context.Context, root string) ([]models.PackageDetails, error) {
	var details []models.PackageDetails
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rpm") {
			return nil
		}
		d, readErr := p.readPackage(root, path)
		if readErr != nil {
			// A malformed file should not sink the whole scan.
			p.log.Warn(ctx, "skipping unreadable rpm", "path", path, "error", readErr)
			return nil
		}
		details = append(details, *d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return details, nil
}

func (p *Provider) readPackage(root, path string) (*models.PackageDetails, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rpm, err := rpmutils.ReadRpm(f)
	if err != nil {
		return nil, fmt.Errorf("read rpm header: %w", err)
	}
	nevra, err := rpm.Header.GetNEVRA()
	if err != nil {
		return nil, fmt.Errorf("read rpm nevra: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	md5sum, sha256sum, err := digests(f)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, err
	}

	d := &models.PackageDetails{
		Key: models.PackageDetailsKey{
			PackageName:      nevra.Name,
			PackageTypeName:  PackageTypeName,
			ArchitectureName: nevra.Arch,
			Version:          nevra.Version + "-" + nevra.Release,
		},
		DisplayName:    nevra.Name,
		DisplayVersion: nevra.Version + "-" + nevra.Release,
		FileName:       filepath.Base(path),
		FileSize:       info.Size(),
		MD5:            md5sum,
		SHA256:         sha256sum,
		Location:       filepath.ToSlash(rel),
	}
	if summary, err := rpm.Header.GetString(rpmutils.SUMMARY); err == nil {
		d.ShortDescription = summary
	}
	if desc, err := rpm.Header.GetString(rpmutils.DESCRIPTION); err == nil {
		d.LongDescription = desc
	}
	if license, err := rpm.Header.GetString(rpmutils.LICENSE); err == nil {
		d.LicenseName = license
	}
	return d, nil
}

// digests computes both checksums in one pass from the file start.
func digests(f *os.File) (string, string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", "", err
	}
	m := md5.New()
	s := sha256.New()
	if _, err := io.Copy(io.MultiWriter(m, s), f); err != nil {
		return "", "", fmt.Errorf("digest %s: %w", f.Name(), err)
	}
	return hex.EncodeToString(m.Sum(nil)), hex.EncodeToString(s.Sum(nil)), nil
}

// LoadPackageBits opens the file behind a location reported by a previous
// scan. Locations are confined to the configured root.
func (p *Provider) LoadPackageBits(ctx context.Context, source *models.ContentSource, location string) (io.ReadCloser, error) {
	cfg, err := parseConfig(source)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.Path, filepath.FromSlash(location))
	cleanRoot := filepath.Clean(cfg.Path) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(path)+string(os.PathSeparator), cleanRoot) {
		return nil, fmt.Errorf("location %q escapes the rpmdir root", location)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rpm %s: %w", location, err)
	}
	return f, nil
}
