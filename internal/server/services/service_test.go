package services

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/content"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestDB(t *testing.T) (*sql.DB, repomanager.RepositoryManager) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "services.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE repos (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  candidate INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP NOT NULL,
  last_modified_at TIMESTAMP NOT NULL
);
CREATE TABLE repo_resources (
  repo_id INTEGER NOT NULL REFERENCES repos (id) ON DELETE CASCADE,
  resource_id INTEGER NOT NULL,
  PRIMARY KEY (repo_id, resource_id)
);`)
	require.NoError(t, err)

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	require.NoError(t, err)
	return db, rm
}

// The validation paths reject the input before any repository call, so the
// services can be built without a database.

func TestSourceService_CreateValidation(t *testing.T) {
	registry := content.NewRegistry()
	registry.Register("fake", nil)
	s := NewSourceService(nil, nil, registry, nil, nil, newTestLogger())
	ctx := context.Background()

	err := s.Create(ctx, &models.ContentSource{Name: "  ", TypeName: "fake"})
	require.ErrorIs(t, err, common.ErrValidation)

	err = s.Create(ctx, &models.ContentSource{Name: "x", TypeName: "mystery"})
	require.ErrorIs(t, err, common.ErrValidation)

	err = s.Create(ctx, &models.ContentSource{Name: "x", TypeName: "fake", DownloadMode: "sideways"})
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestRepoService_CreateValidation(t *testing.T) {
	s := NewRepoService(nil, nil, nil, newTestLogger())

	err := s.Create(context.Background(), &models.Repo{Name: "   "})
	require.ErrorIs(t, err, common.ErrValidation)
	err = s.Update(context.Background(), &models.Repo{Name: ""})
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestSubscriptionDigest(t *testing.T) {
	db, rm := newTestDB(t)
	s := NewRepoService(db, rm, nil, newTestLogger())
	ctx := context.Background()

	// No subscriptions hash to the empty digest.
	empty, err := s.SubscriptionDigest(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", empty)

	first := &models.Repo{Name: "stable"}
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, rm.Repos(db).Subscribe(ctx, first.ID, 7))

	one, err := s.SubscriptionDigest(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, one, 32)

	again, err := s.SubscriptionDigest(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, one, again)

	// The digest is the MD5 over id and last-modified stamp of each
	// subscribed repo in id order.
	repos, err := s.ListSubscribed(ctx, 7)
	require.NoError(t, err)
	h := md5.New()
	for _, repo := range repos {
		h.Write([]byte(strconv.FormatInt(repo.ID, 10)))
		h.Write([]byte(strconv.FormatInt(repo.LastModifiedAt.UTC().UnixNano(), 10)))
	}
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), one)

	second := &models.Repo{Name: "candidate", Candidate: true}
	require.NoError(t, s.Create(ctx, second))
	require.NoError(t, rm.Repos(db).Subscribe(ctx, second.ID, 7))

	two, err := s.SubscriptionDigest(ctx, 7)
	require.NoError(t, err)
	assert.NotEqual(t, one, two)

	// Another resource with no subscriptions is unaffected.
	other, err := s.SubscriptionDigest(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, empty, other)
}
