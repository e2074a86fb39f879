package content

import (
	"bytes"
	"context"
	"testing"

	"github.com/packhub/packhub/internal/server/content/bits"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedVersionRow inserts a bare package version row directly, bypassing the
// resolver, so purge scenarios can be staged precisely.
func seedVersionRow(t *testing.T, env *testEnv, name, version string, configID, bitsID *int64) int64 {
	t.Helper()
	var pkgID int64
	err := env.db.QueryRow(
		`INSERT INTO packages (name, package_type_id)
		 VALUES ($1, (SELECT id FROM package_types WHERE name = 'rpm'))
		 ON CONFLICT (name, package_type_id) DO UPDATE SET name = excluded.name
		 RETURNING id`, name).Scan(&pkgID)
	require.NoError(t, err)

	var archID int64
	err = env.db.QueryRow(
		`INSERT INTO architectures (name) VALUES ('noarch')
		 ON CONFLICT (name) DO UPDATE SET name = excluded.name
		 RETURNING id`).Scan(&archID)
	require.NoError(t, err)

	var pvID int64
	err = env.db.QueryRow(
		`INSERT INTO package_versions (package_id, architecture_id, version, file_name, config_id, package_bits_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		pkgID, archID, version, name+"-"+version+".rpm", configID, bitsID).Scan(&pvID)
	require.NoError(t, err)
	return pvID
}

func TestPurgeOrphans_RemovesUnreferencedVersions(t *testing.T) {
	env := newTestEnv(t)
	env.seedTypes(t)
	ctx := context.Background()

	source := env.seedSource(t, "src", models.DownloadModeFilesystem, true)

	// Orphan: extra-properties config, a filesystem bits row and a stored file.
	var configID int64
	require.NoError(t, env.db.QueryRow(
		`INSERT INTO configurations (payload) VALUES ('{"epoch":"1"}') RETURNING id`).Scan(&configID))
	bitsID, err := env.rm.Packages(env.db).CreatePackageBits(ctx, models.BitsStorageFS)
	require.NoError(t, err)
	orphanID := seedVersionRow(t, env, "orphan", "1.0", &configID, &bitsID)

	backend := env.backends[models.BitsStorageFS]
	ref := bits.Ref{PackageVersionID: orphanID, FileName: "orphan-1.0.rpm"}
	require.NoError(t, backend.Write(ctx, ref, bytes.NewReader([]byte("orphan bytes"))))

	// Survivor: still mapped to a content source.
	keptID := seedVersionRow(t, env, "kept", "1.0", nil, nil)
	require.NoError(t, env.rm.Sources(env.db).UpsertMapping(ctx, keptID, source.ID, "kept-1.0.rpm"))

	stats, err := env.purger.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PackageVersions)
	assert.Equal(t, int64(1), stats.PackageBits)
	assert.Equal(t, 1, stats.FilesDeleted)
	assert.Equal(t, 0, stats.FilesFailed)

	assert.Equal(t, 1, env.count(t, "package_versions"))
	assert.Equal(t, 0, env.count(t, "package_bits"))
	assert.Equal(t, 0, env.count(t, "configurations"))

	present, err := backend.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestPurgeOrphans_InstalledReferenceVetoes(t *testing.T) {
	env := newTestEnv(t)
	env.seedTypes(t)
	ctx := context.Background()

	pvID := seedVersionRow(t, env, "pinned", "2.0", nil, nil)
	require.NoError(t, env.rm.Packages(env.db).InsertInstalledPackage(ctx, 42, pvID))

	stats, err := env.purger.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PackageVersions)
	assert.Equal(t, 1, env.count(t, "package_versions"))
}

func TestPurgeOrphans_EmptyDatabase(t *testing.T) {
	env := newTestEnv(t)
	stats, err := env.purger.PurgeOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.PackageVersions)
	assert.Zero(t, stats.FilesDeleted)
}
