// Package services implements the application operations on top of the
// repositories and the synchronization engine: validated CRUD for content
// sources and repos, sync triggering and the subscription digest.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/content"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
)

// SourceService manages content sources and their synchronization runs.
type SourceService struct {
	db           *sql.DB
	rm           repomanager.RepositoryManager
	registry     *content.Registry
	orchestrator *content.Orchestrator
	purger       *content.Purger
	log          logging.Logger
}

func NewSourceService(db *sql.DB, rm repomanager.RepositoryManager,
	registry *content.Registry, orchestrator *content.Orchestrator,
	purger *content.Purger, log logging.Logger) *SourceService {
	return &SourceService{db: db, rm: rm, registry: registry,
		orchestrator: orchestrator, purger: purger, log: log}
}

func (s *SourceService) validate(cs *models.ContentSource) error {
	if strings.TrimSpace(cs.Name) == "" {
		return fmt.Errorf("%w: content source name is required", common.ErrValidation)
	}
	if _, err := s.registry.Lookup(cs.TypeName); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	mode, err := models.ParseDownloadMode(string(cs.DownloadMode))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	cs.DownloadMode = mode
	return nil
}

func (s *SourceService) Create(ctx context.Context, cs *models.ContentSource) error {
	if err := s.validate(cs); err != nil {
		return err
	}
	if err := s.rm.Sources(s.db).Create(ctx, cs); err != nil {
		return err
	}
	s.log.Info(ctx, "content source created", "name", cs.Name, "type", cs.TypeName)
	return nil
}

func (s *SourceService) Update(ctx context.Context, cs *models.ContentSource) error {
	if err := s.validate(cs); err != nil {
		return err
	}
	return s.rm.Sources(s.db).Update(ctx, cs)
}

// Delete removes the source; its mappings cascade away, after which the
// orphan purge sweeps up package versions nothing references anymore.
func (s *SourceService) Delete(ctx context.Context, id int64) error {
	if err := s.rm.Sources(s.db).Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.purger.PurgeOrphans(ctx); err != nil {
		return fmt.Errorf("purge after source delete: %w", err)
	}
	s.log.Info(ctx, "content source deleted", "contentSourceID", id)
	return nil
}

func (s *SourceService) Get(ctx context.Context, id int64) (*models.ContentSource, error) {
	return s.rm.Sources(s.db).Get(ctx, id)
}

func (s *SourceService) GetByName(ctx context.Context, name string) (*models.ContentSource, error) {
	return s.rm.Sources(s.db).GetByName(ctx, name)
}

func (s *SourceService) List(ctx context.Context) ([]*models.ContentSource, error) {
	return s.rm.Sources(s.db).List(ctx)
}

// TestConnection validates the source's configuration against its provider.
func (s *SourceService) TestConnection(ctx context.Context, id int64) error {
	cs, err := s.rm.Sources(s.db).Get(ctx, id)
	if err != nil {
		return err
	}
	provider, err := s.registry.Lookup(cs.TypeName)
	if err != nil {
		return err
	}
	return provider.TestConnection(ctx, cs)
}

// Synchronize runs one sync for the source as the given subject.
func (s *SourceService) Synchronize(ctx context.Context, subject models.Subject, id int64) (*models.SyncResults, error) {
	return s.orchestrator.Synchronize(ctx, subject, id)
}

func (s *SourceService) SyncResults(ctx context.Context, sourceID int64, limit int) ([]*models.SyncResults, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.rm.SyncResults(s.db).ListForSource(ctx, sourceID, limit)
}

func (s *SourceService) GetSyncResults(ctx context.Context, id int64) (*models.SyncResults, error) {
	return s.rm.SyncResults(s.db).Get(ctx, id)
}

func (s *SourceService) DeleteSyncResults(ctx context.Context, ids []int64) error {
	return s.rm.SyncResults(s.db).Delete(ctx, ids)
}

// PurgeOrphans runs one orphan purge pass on demand.
func (s *SourceService) PurgeOrphans(ctx context.Context) (*content.PurgeStats, error) {
	return s.purger.PurgeOrphans(ctx)
}
