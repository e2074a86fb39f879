package content

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/content/bits"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE architectures (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL UNIQUE
);
CREATE TABLE resource_types (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  plugin TEXT NOT NULL,
  UNIQUE (name, plugin)
);
CREATE TABLE package_types (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  resource_type_id INTEGER REFERENCES resource_types (id),
  UNIQUE (resource_type_id, name)
);
CREATE TABLE packages (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  package_type_id INTEGER NOT NULL REFERENCES package_types (id),
  classification TEXT NOT NULL DEFAULT '',
  UNIQUE (name, package_type_id)
);
CREATE TABLE configurations (
  id INTEGER PRIMARY KEY,
  payload TEXT NOT NULL
);
CREATE TABLE package_bits (
  id INTEGER PRIMARY KEY,
  storage TEXT NOT NULL DEFAULT 'db',
  bits BLOB
);
CREATE TABLE package_versions (
  id INTEGER PRIMARY KEY,
  package_id INTEGER NOT NULL REFERENCES packages (id),
  architecture_id INTEGER NOT NULL REFERENCES architectures (id),
  version TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  display_version TEXT NOT NULL DEFAULT '',
  file_name TEXT NOT NULL DEFAULT '',
  file_size INTEGER NOT NULL DEFAULT 0,
  file_created_at TIMESTAMP,
  license_name TEXT NOT NULL DEFAULT '',
  license_version TEXT NOT NULL DEFAULT '',
  short_description TEXT NOT NULL DEFAULT '',
  long_description TEXT NOT NULL DEFAULT '',
  md5 TEXT NOT NULL DEFAULT '',
  sha256 TEXT NOT NULL DEFAULT '',
  metadata BLOB,
  config_id INTEGER REFERENCES configurations (id),
  package_bits_id INTEGER REFERENCES package_bits (id),
  UNIQUE (package_id, version, architecture_id)
);
CREATE TABLE content_sources (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  type_name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  configuration TEXT NOT NULL DEFAULT '{}',
  lazy_load INTEGER NOT NULL DEFAULT 1,
  download_mode TEXT NOT NULL DEFAULT 'DATABASE',
  sync_schedule TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE TABLE package_version_content_sources (
  package_version_id INTEGER NOT NULL REFERENCES package_versions (id),
  content_source_id INTEGER NOT NULL REFERENCES content_sources (id) ON DELETE CASCADE,
  location TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (package_version_id, content_source_id)
);
CREATE TABLE repos (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  candidate INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP NOT NULL,
  last_modified_at TIMESTAMP NOT NULL
);
CREATE TABLE repo_content_sources (
  repo_id INTEGER NOT NULL REFERENCES repos (id) ON DELETE CASCADE,
  content_source_id INTEGER NOT NULL REFERENCES content_sources (id) ON DELETE CASCADE,
  PRIMARY KEY (repo_id, content_source_id)
);
CREATE TABLE repo_package_versions (
  repo_id INTEGER NOT NULL REFERENCES repos (id) ON DELETE CASCADE,
  package_version_id INTEGER NOT NULL REFERENCES package_versions (id),
  PRIMARY KEY (repo_id, package_version_id)
);
CREATE TABLE repo_resources (
  repo_id INTEGER NOT NULL REFERENCES repos (id) ON DELETE CASCADE,
  resource_id INTEGER NOT NULL,
  PRIMARY KEY (repo_id, resource_id)
);
CREATE TABLE product_versions (
  id INTEGER PRIMARY KEY,
  resource_type_id INTEGER NOT NULL REFERENCES resource_types (id),
  version TEXT NOT NULL,
  UNIQUE (resource_type_id, version)
);
CREATE TABLE product_version_package_versions (
  product_version_id INTEGER NOT NULL REFERENCES product_versions (id),
  package_version_id INTEGER NOT NULL REFERENCES package_versions (id),
  PRIMARY KEY (product_version_id, package_version_id)
);
CREATE TABLE installed_packages (
  id INTEGER PRIMARY KEY,
  resource_id INTEGER NOT NULL,
  package_version_id INTEGER NOT NULL REFERENCES package_versions (id)
);
CREATE TABLE content_source_sync_results (
  id INTEGER PRIMARY KEY,
  content_source_id INTEGER NOT NULL REFERENCES content_sources (id) ON DELETE CASCADE,
  status TEXT NOT NULL DEFAULT 'INPROGRESS',
  start_time TIMESTAMP NOT NULL,
  end_time TIMESTAMP,
  results TEXT NOT NULL DEFAULT ''
);
`

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// testEnv wires a full synchronization engine over an in-memory SQLite
// database with a filesystem bits backend and a fake provider registered as
// type "fake".
type testEnv struct {
	db           *sql.DB
	rm           repomanager.RepositoryManager
	registry     *Registry
	resolver     *Resolver
	reconciler   *Reconciler
	loader       *Loader
	purger       *Purger
	orchestrator *Orchestrator
	provider     *fakeProvider
	fsRoot       string
	backends     map[models.BitsStorage]bits.Backend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	// The engine runs independent transactions on separate connections, so
	// the database must be shared across connections: a file, not :memory:.
	dsn := "file:" + filepath.Join(t.TempDir(), "content.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	log := newTestLogger()
	rm, err := repomanager.NewPostgresRepositoryManager(db)
	require.NoError(t, err)

	registry := NewRegistry()
	provider := &fakeProvider{payloads: map[string][]byte{}}
	registry.Register("fake", provider)

	fsRoot := t.TempDir()
	backends := map[models.BitsStorage]bits.Backend{
		models.BitsStorageFS: bits.NewFilesystem(fsRoot, log),
	}

	resolver := NewResolver(db, rm, log)
	reconciler := NewReconciler(db, rm, resolver, log)
	loader := NewLoader(db, rm, registry, backends, time.Minute, log)
	purger := NewPurger(db, rm, backends, log)
	orchestrator := NewOrchestrator(db, rm, registry, reconciler, loader, purger, 0, log)

	return &testEnv{
		db: db, rm: rm, registry: registry, resolver: resolver,
		reconciler: reconciler, loader: loader, purger: purger,
		orchestrator: orchestrator, provider: provider,
		fsRoot: fsRoot, backends: backends,
	}
}

// seedTypes inserts the rpm package type under the Linux platform resource
// type and returns the resource type id.
func (e *testEnv) seedTypes(t *testing.T) int64 {
	t.Helper()
	var rtID int64
	err := e.db.QueryRow(
		`INSERT INTO resource_types (name, plugin) VALUES ('Linux', 'Platforms') RETURNING id`).
		Scan(&rtID)
	require.NoError(t, err)
	_, err = e.db.Exec(
		`INSERT INTO package_types (name, resource_type_id) VALUES ('rpm', $1)`, rtID)
	require.NoError(t, err)
	return rtID
}

func (e *testEnv) seedSource(t *testing.T, name string, mode models.DownloadMode, lazy bool) *models.ContentSource {
	t.Helper()
	cs := &models.ContentSource{
		Name:          name,
		TypeName:      "fake",
		Configuration: "{}",
		LazyLoad:      lazy,
		DownloadMode:  mode,
	}
	require.NoError(t, e.rm.Sources(e.db).Create(context.Background(), cs))
	return cs
}

func (e *testEnv) seedRepo(t *testing.T, name string, sourceID int64) *models.Repo {
	t.Helper()
	repo := &models.Repo{Name: name}
	require.NoError(t, e.rm.Repos(e.db).Create(context.Background(), repo))
	require.NoError(t, e.rm.Repos(e.db).AddContentSource(context.Background(), repo.ID, sourceID))
	return repo
}

func (e *testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

// rpmDetails builds one descriptor with the identity key rooted at the seeded
// Linux/rpm types.
func rpmDetails(name, version string) models.PackageDetails {
	return models.PackageDetails{
		Key: models.PackageDetailsKey{
			PackageName:        name,
			PackageTypeName:    "rpm",
			ArchitectureName:   "noarch",
			Version:            version,
			ResourceTypeName:   "Linux",
			ResourceTypePlugin: "Platforms",
		},
		DisplayName: name,
		FileName:    name + "-" + version + ".noarch.rpm",
		FileSize:    int64(len(name)) + 100,
		MD5:         "",
		Location:    name + "-" + version + ".noarch.rpm",
	}
}

type fakeProvider struct {
	report    *models.PackageSyncReport
	reportErr error
	testErr   error
	payloads  map[string][]byte
	loadErr   error
	loadCalls int
}

func (p *fakeProvider) TestConnection(ctx context.Context, source *models.ContentSource) error {
	return p.testErr
}

func (p *fakeProvider) SynchronizePackages(ctx context.Context, source *models.ContentSource,
	previous []*models.PackageVersionContentSource) (*models.PackageSyncReport, error) {
	if p.reportErr != nil {
		return nil, p.reportErr
	}
	if p.report == nil {
		return &models.PackageSyncReport{}, nil
	}
	return p.report, nil
}

func (p *fakeProvider) LoadPackageBits(ctx context.Context, source *models.ContentSource, location string) (io.ReadCloser, error) {
	p.loadCalls++
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	payload, ok := p.payloads[location]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}
