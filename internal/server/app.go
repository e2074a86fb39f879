// Package server initializes and runs the main application server.
// It opens the database, runs migrations, wires the synchronization engine
// and its storage backends, and starts the HTTP API and background jobs.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/config"
	"github.com/packhub/packhub/internal/server/content"
	"github.com/packhub/packhub/internal/server/content/bits"
	"github.com/packhub/packhub/internal/server/content/providers/rpmdir"
	"github.com/packhub/packhub/internal/server/httpapi"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
	"github.com/packhub/packhub/internal/server/scheduler"
	"github.com/packhub/packhub/internal/server/services"
)

type App struct {
	config       *config.Config
	logger       logging.Logger
	db           *sql.DB
	rm           repomanager.RepositoryManager
	orchestrator *content.Orchestrator
	purger       *content.Purger
	httpServer   *httpapi.Server
	scheduler    *scheduler.Scheduler
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		return nil, fmt.Errorf("repository manager init error: %w", err)
	}
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	registry := content.NewRegistry()
	registry.Register(rpmdir.TypeName, rpmdir.New(logger))

	s3Client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 init error: %w", err)
	}
	backends := map[models.BitsStorage]bits.Backend{
		models.BitsStorageDB: bits.NewDatabase(db),
		models.BitsStorageFS: bits.NewFilesystem(cfg.BitsFileRoot, logger),
		models.BitsStorageS3: bits.NewS3(s3Client, cfg.S3Bucket),
	}

	resolver := content.NewResolver(db, rm, logger)
	reconciler := content.NewReconciler(db, rm, resolver, logger)
	loader := content.NewLoader(db, rm, registry, backends, cfg.DownloadTimeout, logger)
	purger := content.NewPurger(db, rm, backends, logger)
	orchestrator := content.NewOrchestrator(db, rm, registry, reconciler, loader, purger,
		cfg.StaleSyncThreshold, logger)

	sourceService := services.NewSourceService(db, rm, registry, orchestrator, purger, logger)
	repoService := services.NewRepoService(db, rm, purger, logger)

	httpServer := httpapi.NewServer(cfg, db, rm, sourceService, repoService, loader, logger)

	app := &App{
		config:       cfg,
		logger:       logger,
		db:           db,
		rm:           rm,
		orchestrator: orchestrator,
		purger:       purger,
		httpServer:   httpServer,
	}

	sched := scheduler.New(logger)
	sched.Add("source-sync", cfg.SyncInterval, app.syncScheduledSources)
	sched.Add("orphan-purge", cfg.PurgeInterval, app.purgeOrphans)
	app.scheduler = sched

	return app, nil
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3RootUser, cfg.S3RootPassword, "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
		o.UsePathStyle = true
	}), nil
}

// syncScheduledSources runs one sync for every source carrying a sync
// schedule. A source already syncing is skipped, not an error.
func (app *App) syncScheduledSources(ctx context.Context) error {
	sources, err := app.rm.Sources(app.db).ListScheduled(ctx)
	if err != nil {
		return err
	}
	for _, cs := range sources {
		_, err := app.orchestrator.Synchronize(ctx, models.Overlord(), cs.ID)
		if err != nil && !errors.Is(err, common.ErrAlreadySyncing) {
			app.logger.Error(ctx, "scheduled sync failed", "source", cs.Name, "error", err)
		}
	}
	return nil
}

func (app *App) purgeOrphans(ctx context.Context) error {
	_, err := app.purger.PurgeOrphans(ctx)
	return err
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.httpServer.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.scheduler.Run(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
