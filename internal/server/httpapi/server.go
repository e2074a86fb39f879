// Package httpapi exposes the server operations over HTTP/JSON: login,
// content source and repo management, sync triggering and polling, and
// ranged package bits download.
package httpapi

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/auth"
	"github.com/packhub/packhub/internal/server/config"
	"github.com/packhub/packhub/internal/server/content"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
	"github.com/packhub/packhub/internal/server/services"
)

// Server wires the HTTP routes to the service layer.
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	db      *sql.DB
	rm      repomanager.RepositoryManager
	sources *services.SourceService
	repos   *services.RepoService
	loader  *content.Loader
	log     logging.Logger
}

func NewServer(cfg *config.Config, db *sql.DB, rm repomanager.RepositoryManager,
	sources *services.SourceService, repos *services.RepoService,
	loader *content.Loader, log logging.Logger) *Server {

	s := &Server{
		echo:    echo.New(),
		cfg:     cfg,
		db:      db,
		rm:      rm,
		sources: sources,
		repos:   repos,
		loader:  loader,
		log:     log,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.Use(middleware.Recover())

	s.echo.POST("/api/login", s.login)

	api := s.echo.Group("/api", s.requireToken)

	api.GET("/sources", s.listSources)
	api.POST("/sources", s.createSource)
	api.GET("/sources/:id", s.getSource)
	api.PUT("/sources/:id", s.updateSource)
	api.DELETE("/sources/:id", s.deleteSource)
	api.POST("/sources/:id/test", s.testSource)
	api.POST("/sources/:id/sync", s.syncSource)
	api.GET("/sources/:id/sync-results", s.listSyncResults)
	api.GET("/sync-results/:id", s.getSyncResults)
	api.DELETE("/sync-results/:id", s.deleteSyncResults)

	api.GET("/repos", s.listRepos)
	api.POST("/repos", s.createRepo)
	api.GET("/repos/:id", s.getRepo)
	api.PUT("/repos/:id", s.updateRepo)
	api.DELETE("/repos/:id", s.deleteRepo)
	api.POST("/repos/:id/sources/:sourceID", s.attachSource)
	api.DELETE("/repos/:id/sources/:sourceID", s.detachSource)
	api.POST("/repos/:id/subscriptions/:resourceID", s.subscribe)
	api.DELETE("/repos/:id/subscriptions/:resourceID", s.unsubscribe)

	api.GET("/resources/:id/repos", s.listSubscribedRepos)
	api.GET("/resources/:id/digest", s.subscriptionDigest)

	api.GET("/packages/:id/bits", s.downloadBits)

	api.POST("/purge", s.runPurge)
}

func (s *Server) runPurge(c echo.Context) error {
	stats, err := s.sources.PurgeOrphans(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// Run starts the server and shuts it down when the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.EndpointAddrHTTP)
	}()
	s.log.Info(ctx, "http server started", "addr", s.cfg.EndpointAddrHTTP)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) login(c echo.Context) error {
	req := &loginRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AdminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	token, err := auth.GenerateToken(req.Username, []byte(s.cfg.SecretKey), s.cfg.TokenValidityDuration)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token})
}

const subjectContextKey = "subject"

// requireToken validates the bearer token and stores the subject name in the
// request context.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		subject, err := auth.GetSubjectFromToken(token, []byte(s.cfg.SecretKey))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set(subjectContextKey, subject)
		return next(c)
	}
}

// fail maps service errors onto HTTP status codes.
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, common.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrAlreadyExists), errors.Is(err, common.ErrAlreadySyncing):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, common.ErrInvalidRange):
		return echo.NewHTTPError(http.StatusRequestedRangeNotSatisfiable, err.Error())
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	s.log.Error(c.Request().Context(), "request failed",
		"method", c.Request().Method, "path", c.Path(), "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func pathID(c echo.Context, name string) (int64, error) {
	var id int64
	if err := echo.PathParamsBinder(c).Int64(name, &id).BindError(); err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}
