package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/config"
	"github.com/packhub/packhub/internal/server/content"
	"github.com/packhub/packhub/internal/server/content/bits"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
	"github.com/packhub/packhub/internal/server/services"
	"github.com/stretchr/testify/assert"
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

// fakeProvider serves a canned sync report and in-memory payloads, registered
// under type "fake".
type fakeProvider struct {
	report   *models.PackageSyncReport
	payloads map[string][]byte
}

func (p *fakeProvider) TestConnection(ctx context.Context, source *models.ContentSource) error {
	return nil
}

func (p *fakeProvider) SynchronizePackages(ctx context.Context, source *models.ContentSource,
	previous []*models.PackageVersionContentSource) (*models.PackageSyncReport, error) {
	if p.report == nil {
		return &models.PackageSyncReport{}, nil
	}
	return p.report, nil
}

func (p *fakeProvider) LoadPackageBits(ctx context.Context, source *models.ContentSource, location string) (io.ReadCloser, error) {
	payload, ok := p.payloads[location]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

type testServer struct {
	srv      *Server
	db       *sql.DB
	provider *fakeProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	// The engine runs independent transactions on separate connections, so
	// the database must be shared across connections: a file, not :memory:.
	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	rm, err := repomanager.NewPostgresRepositoryManager(db)
	require.NoError(t, err)

	provider := &fakeProvider{payloads: map[string][]byte{}}
	registry := content.NewRegistry()
	registry.Register("fake", provider)

	backends := map[models.BitsStorage]bits.Backend{
		models.BitsStorageFS: bits.NewFilesystem(t.TempDir(), log),
	}
	resolver := content.NewResolver(db, rm, log)
	reconciler := content.NewReconciler(db, rm, resolver, log)
	loader := content.NewLoader(db, rm, registry, backends, time.Minute, log)
	purger := content.NewPurger(db, rm, backends, log)
	orchestrator := content.NewOrchestrator(db, rm, registry, reconciler, loader, purger, 0, log)

	cfg := &config.Config{}
	cfg.LoadDefaults()

	sources := services.NewSourceService(db, rm, registry, orchestrator, purger, log)
	repos := services.NewRepoService(db, rm, purger, log)

	return &testServer{
		srv:      NewServer(cfg, db, rm, sources, repos, loader, log),
		db:       db,
		provider: provider,
	}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	rec := ts.request(t, http.MethodPost, "/api/login", "",
		map[string]string{"username": "admin", "password": "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (ts *testServer) seedTypes(t *testing.T) {
	t.Helper()
	_, err := ts.db.Exec(`INSERT INTO resource_types (name, plugin) VALUES ('Linux', 'Platforms')`)
	require.NoError(t, err)
	_, err = ts.db.Exec(
		`INSERT INTO package_types (name, resource_type_id)
		 VALUES ('rpm', (SELECT id FROM resource_types WHERE name = 'Linux'))`)
	require.NoError(t, err)
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	ts.login(t)

	rec := ts.request(t, http.MethodPost, "/api/login", "",
		map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/sources", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/sources", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSourceLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	create := sourceRequest{Name: "mirror", TypeName: "fake", LazyLoad: true, DownloadMode: "NEVER"}
	rec := ts.request(t, http.MethodPost, "/api/sources", token, create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[sourceResponse](t, rec)
	require.NotZero(t, created.ID)
	assert.Equal(t, "{}", created.Configuration)

	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/api/sources/%d", created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mirror", decode[sourceResponse](t, rec).Name)

	rec = ts.request(t, http.MethodGet, "/api/sources", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]sourceResponse](t, rec), 1)

	update := create
	update.Description = "the mirror"
	rec = ts.request(t, http.MethodPut, fmt.Sprintf("/api/sources/%d", created.ID), token, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "the mirror", decode[sourceResponse](t, rec).Description)

	rec = ts.request(t, http.MethodDelete, fmt.Sprintf("/api/sources/%d", created.ID), token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/api/sources/%d", created.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSource_Errors(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.request(t, http.MethodPost, "/api/sources", token,
		sourceRequest{Name: "x", TypeName: "mystery"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/sources", token,
		sourceRequest{Name: "", TypeName: "fake"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	good := sourceRequest{Name: "dup", TypeName: "fake"}
	rec = ts.request(t, http.MethodPost, "/api/sources", token, good)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.request(t, http.MethodPost, "/api/sources", token, good)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/sources/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRepoLifecycleAndSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.request(t, http.MethodPost, "/api/repos", token,
		repoRequest{Name: "stable", Description: "released content"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	repo := decode[repoResponse](t, rec)
	require.NotZero(t, repo.ID)

	rec = ts.request(t, http.MethodPost, "/api/sources", token,
		sourceRequest{Name: "mirror", TypeName: "fake"})
	require.Equal(t, http.StatusCreated, rec.Code)
	source := decode[sourceResponse](t, rec)

	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/repos/%d/sources/%d", repo.ID, source.ID), token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/repos/%d/subscriptions/7", repo.ID), token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/resources/7/repos", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subscribed := decode[[]repoResponse](t, rec)
	require.Len(t, subscribed, 1)
	assert.Equal(t, "stable", subscribed[0].Name)

	rec = ts.request(t, http.MethodGet, "/api/resources/7/digest", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	digest := decode[map[string]string](t, rec)["digest"]
	assert.Len(t, digest, 32)

	rec = ts.request(t, http.MethodDelete,
		fmt.Sprintf("/api/repos/%d/subscriptions/7", repo.ID), token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.request(t, http.MethodGet, "/api/resources/7/repos", token, nil)
	assert.Empty(t, decode[[]repoResponse](t, rec))

	rec = ts.request(t, http.MethodDelete, fmt.Sprintf("/api/repos/%d", repo.ID), token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSyncAndSyncResults(t *testing.T) {
	ts := newTestServer(t)
	ts.seedTypes(t)
	token := ts.login(t)

	rec := ts.request(t, http.MethodPost, "/api/sources", token,
		sourceRequest{Name: "mirror", TypeName: "fake", LazyLoad: true, DownloadMode: "NEVER"})
	require.Equal(t, http.StatusCreated, rec.Code)
	source := decode[sourceResponse](t, rec)

	ts.provider.report = &models.PackageSyncReport{
		NewPackages: []models.PackageDetails{{
			Key: models.PackageDetailsKey{
				PackageName: "tool", PackageTypeName: "rpm", ArchitectureName: "noarch",
				Version: "1.0", ResourceTypeName: "Linux", ResourceTypePlugin: "Platforms",
			},
			FileName: "tool-1.0.noarch.rpm",
			FileSize: 10,
			Location: "tool-1.0.noarch.rpm",
		}},
		Summary: "scanned: 1 package",
	}

	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/sources/%d/sync", source.ID), token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sr := decode[syncResultsResponse](t, rec)
	assert.Equal(t, "SUCCESS", sr.Status)

	rec = ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/sources/%d/sync-results?limit=10", source.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]syncResultsResponse](t, rec)
	require.Len(t, list, 1)

	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/api/sync-results/%d", sr.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodDelete, fmt.Sprintf("/api/sync-results/%d", sr.ID), token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDownloadBits(t *testing.T) {
	ts := newTestServer(t)
	ts.seedTypes(t)
	token := ts.login(t)

	rec := ts.request(t, http.MethodPost, "/api/sources", token,
		sourceRequest{Name: "mirror", TypeName: "fake", LazyLoad: true, DownloadMode: "NEVER"})
	require.Equal(t, http.StatusCreated, rec.Code)
	source := decode[sourceResponse](t, rec)

	payload := []byte("0123456789")
	ts.provider.payloads["tool-1.0.noarch.rpm"] = payload
	ts.provider.report = &models.PackageSyncReport{
		NewPackages: []models.PackageDetails{{
			Key: models.PackageDetailsKey{
				PackageName: "tool", PackageTypeName: "rpm", ArchitectureName: "noarch",
				Version: "1.0", ResourceTypeName: "Linux", ResourceTypePlugin: "Platforms",
			},
			FileName: "tool-1.0.noarch.rpm",
			FileSize: int64(len(payload)),
			Location: "tool-1.0.noarch.rpm",
		}},
	}
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/sources/%d/sync", source.ID), token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var pvID int64
	require.NoError(t, ts.db.QueryRow(`SELECT id FROM package_versions`).Scan(&pvID))
	path := fmt.Sprintf("/api/packages/%d/bits?source=%d", pvID, source.ID)

	rec = ts.request(t, http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, "10", rec.Header().Get(echo.HeaderContentLength))

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	req.Header.Set("Range", "bytes=2-5")
	ranged := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(ranged, req)
	require.Equal(t, http.StatusPartialContent, ranged.Code, ranged.Body.String())
	assert.Equal(t, "2345", ranged.Body.String())
	assert.Equal(t, "bytes 2-5/10", ranged.Header().Get("Content-Range"))

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	req.Header.Set("Range", "bytes=99-")
	bad := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, bad.Code)

	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/api/packages/%d/bits", pvID), token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunPurge(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.request(t, http.MethodPost, "/api/purge", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[content.PurgeStats](t, rec)
	assert.Zero(t, stats.PackageVersions)
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		size    int64
		start   int64
		end     int64
		partial bool
		wantErr bool
	}{
		{name: "absent", header: "", size: 100, start: 0, end: -1},
		{name: "closed", header: "bytes=2-5", size: 100, start: 2, end: 5, partial: true},
		{name: "open ended", header: "bytes=7-", size: 100, start: 7, end: -1, partial: true},
		{name: "end clamped to size", header: "bytes=0-500", size: 100, start: 0, end: 99, partial: true},
		{name: "start beyond size", header: "bytes=100-", size: 100, wantErr: true},
		{name: "multiple ranges", header: "bytes=0-1,5-6", size: 100, wantErr: true},
		{name: "suffix form unsupported", header: "bytes=-5", size: 100, wantErr: true},
		{name: "not bytes", header: "chunks=0-1", size: 100, wantErr: true},
		{name: "end before start", header: "bytes=5-2", size: 100, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, partial, err := parseRangeHeader(tc.header, tc.size)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
			assert.Equal(t, tc.partial, partial)
		})
	}
}
