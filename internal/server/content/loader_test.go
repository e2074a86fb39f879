package content

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncOnePackage runs one sync that adds a single package and returns its
// package version.
func syncOnePackage(t *testing.T, env *testEnv, source *models.ContentSource, payload []byte) *models.PackageVersion {
	t.Helper()
	ctx := context.Background()

	d := rpmDetails("foo", "1.0")
	env.provider.report = &models.PackageSyncReport{NewPackages: []models.PackageDetails{d}}
	env.provider.payloads[d.Location] = payload

	_, err := env.orchestrator.Synchronize(ctx, models.Overlord(), source.ID)
	require.NoError(t, err)

	pv, err := env.rm.Packages(env.db).FindPackageVersionByKey(ctx, d.Key)
	require.NoError(t, err)
	return pv
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestOpen_LazyLoadDownloadsOnFirstRead(t *testing.T) {
	env := newTestEnv(t)
	env.seedTypes(t)
	ctx := context.Background()

	source := env.seedSource(t, "src", models.DownloadModeFilesystem, true)
	payload := []byte("lazy payload")
	pv := syncOnePackage(t, env, source, payload)

	// Lazy source: the sync itself downloaded nothing.
	require.Equal(t, 0, env.provider.loadCalls)

	rc, err := env.loader.Open(ctx, source, pv.ID, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, rc))
	assert.Equal(t, 1, env.provider.loadCalls)

	// Second read serves from the backend without touching the provider.
	rc, err = env.loader.Open(ctx, source, pv.ID, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, rc))
	assert.Equal(t, 1, env.provider.loadCalls)
}

func TestOpen_RangeRead(t *testing.T) {
	env := newTestEnv(t)
	env.seedTypes(t)
	ctx := context.Background()

	source := env.seedSource(t, "src", models.DownloadModeFilesystem, true)
	pv := syncOnePackage(t, env, source, []byte("0123456789"))

	rc, err := env.loader.Open(ctx, source, pv.ID, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), readAll(t, rc))

	rc, err = env.loader.Open(ctx, source, pv.ID, 7, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("789"), readAll(t, rc))
}

func TestOpen_InvalidRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	source := env.seedSource(t, "src", models.DownloadModeFilesystem, true)

	_, err := env.loader.Open(ctx, source, 1, -1, -1)
	require.ErrorIs(t, err, common.ErrInvalidRange)

	_, err = env.loader.Open(ctx, source, 1, 5, 2)
	require.ErrorIs(t, err, common.ErrInvalidRange)
}

func TestOpen_SelfHealsMissingBackingFile(t *testing.T) {
	env := newTestEnv(t)
	env.seedTypes(t)
	ctx := context.Background()

	source := env.seedSource(t, "src", models.DownloadModeFilesystem, true)
	payload := []byte("heal me")
	pv := syncOnePackage(t, env, source, payload)

	rc, err := env.loader.Open(ctx, source, pv.ID, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, rc))
	require.Equal(t, 1, env.provider.loadCalls)

	// Remove the stored file out-of-band; the next read re-downloads.
	entries, err := os.ReadDir(env.fsRoot)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, os.RemoveAll(filepath.Join(env.fsRoot, e.Name())))
	}

	rc, err = env.loader.Open(ctx, source, pv.ID, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, rc))
	assert.Equal(t, 2, env.provider.loadCalls)
}

func TestOpen_NeverModePassesThrough(t *testing.T) {
	env := newTestEnv(t)
	env.seedTypes(t)
	ctx := context.Background()

	source := env.seedSource(t, "src", models.DownloadModeNever, true)
	payload := []byte("streamed straight through")
	pv := syncOnePackage(t, env, source, payload)

	rc, err := env.loader.Open(ctx, source, pv.ID, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, rc))

	// Partial read discards the head and bounds the tail.
	rc, err = env.loader.Open(ctx, source, pv.ID, 9, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("straight"), readAll(t, rc))

	// Nothing was ever persisted.
	assert.Equal(t, 0, env.count(t, "package_bits"))
	assert.Equal(t, 2, env.provider.loadCalls)
}

func TestEnsureLoaded_NeverModeIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	source := env.seedSource(t, "src", models.DownloadModeNever, true)

	require.NoError(t, env.loader.EnsureLoaded(ctx, source, 999))
	assert.Equal(t, 0, env.provider.loadCalls)
}
