package services

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/content"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
)

// RepoService manages repos, their source/resource associations and the
// subscription digest.
type RepoService struct {
	db     *sql.DB
	rm     repomanager.RepositoryManager
	purger *content.Purger
	log    logging.Logger
}

func NewRepoService(db *sql.DB, rm repomanager.RepositoryManager,
	purger *content.Purger, log logging.Logger) *RepoService {
	return &RepoService{db: db, rm: rm, purger: purger, log: log}
}

func (s *RepoService) Create(ctx context.Context, repo *models.Repo) error {
	if strings.TrimSpace(repo.Name) == "" {
		return fmt.Errorf("%w: repo name is required", common.ErrValidation)
	}
	if err := s.rm.Repos(s.db).Create(ctx, repo); err != nil {
		return err
	}
	s.log.Info(ctx, "repo created", "name", repo.Name)
	return nil
}

func (s *RepoService) Update(ctx context.Context, repo *models.Repo) error {
	if strings.TrimSpace(repo.Name) == "" {
		return fmt.Errorf("%w: repo name is required", common.ErrValidation)
	}
	return s.rm.Repos(s.db).Update(ctx, repo)
}

// Delete removes the repo; its mapping rows cascade away, then the orphan
// purge sweeps up package versions the repo was the last owner of.
func (s *RepoService) Delete(ctx context.Context, id int64) error {
	if err := s.rm.Repos(s.db).Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.purger.PurgeOrphans(ctx); err != nil {
		return fmt.Errorf("purge after repo delete: %w", err)
	}
	return nil
}

func (s *RepoService) Get(ctx context.Context, id int64) (*models.Repo, error) {
	return s.rm.Repos(s.db).Get(ctx, id)
}

func (s *RepoService) GetByName(ctx context.Context, name string) (*models.Repo, error) {
	return s.rm.Repos(s.db).GetByName(ctx, name)
}

func (s *RepoService) List(ctx context.Context) ([]*models.Repo, error) {
	return s.rm.Repos(s.db).List(ctx)
}

func (s *RepoService) AddContentSource(ctx context.Context, repoID, contentSourceID int64) error {
	if _, err := s.rm.Sources(s.db).Get(ctx, contentSourceID); err != nil {
		return err
	}
	return s.rm.Repos(s.db).AddContentSource(ctx, repoID, contentSourceID)
}

// RemoveContentSource detaches the source and purges package versions the
// association was the last owner of.
func (s *RepoService) RemoveContentSource(ctx context.Context, repoID, contentSourceID int64) error {
	repoRepo := s.rm.Repos(s.db)
	if err := repoRepo.RemoveContentSource(ctx, repoID, contentSourceID); err != nil {
		return err
	}
	if _, err := repoRepo.RemovePackageVersionsWithNoProvider(ctx, repoID); err != nil {
		return err
	}
	if _, err := s.purger.PurgeOrphans(ctx); err != nil {
		return fmt.Errorf("purge after source detach: %w", err)
	}
	return nil
}

func (s *RepoService) Subscribe(ctx context.Context, repoID, resourceID int64) error {
	if _, err := s.rm.Repos(s.db).Get(ctx, repoID); err != nil {
		return err
	}
	return s.rm.Repos(s.db).Subscribe(ctx, repoID, resourceID)
}

func (s *RepoService) Unsubscribe(ctx context.Context, repoID, resourceID int64) error {
	return s.rm.Repos(s.db).Unsubscribe(ctx, repoID, resourceID)
}

func (s *RepoService) ListSubscribed(ctx context.Context, resourceID int64) ([]*models.Repo, error) {
	return s.rm.Repos(s.db).ListSubscribed(ctx, resourceID)
}

// SubscriptionDigest returns an MD5 over the last-modified stamps of every
// repo the resource subscribes to. Any change to any subscribed repo's
// package set changes the digest, so clients use it for cache invalidation.
func (s *RepoService) SubscriptionDigest(ctx context.Context, resourceID int64) (string, error) {
	repos, err := s.rm.Repos(s.db).ListSubscribed(ctx, resourceID)
	if err != nil {
		return "", err
	}
	h := md5.New()
	for _, repo := range repos {
		h.Write([]byte(strconv.FormatInt(repo.ID, 10)))
		h.Write([]byte(strconv.FormatInt(repo.LastModifiedAt.UTC().UnixNano(), 10)))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
