package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/packhub/packhub/internal/server/models"
)

type sourceRequest struct {
	Name          string `json:"name"`
	TypeName      string `json:"type_name"`
	Description   string `json:"description"`
	Configuration string `json:"configuration"`
	LazyLoad      bool   `json:"lazy_load"`
	DownloadMode  string `json:"download_mode"`
	SyncSchedule  string `json:"sync_schedule"`
}

type sourceResponse struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	TypeName      string    `json:"type_name"`
	Description   string    `json:"description"`
	Configuration string    `json:"configuration"`
	LazyLoad      bool      `json:"lazy_load"`
	DownloadMode  string    `json:"download_mode"`
	SyncSchedule  string    `json:"sync_schedule"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toSourceResponse(cs *models.ContentSource) sourceResponse {
	return sourceResponse{
		ID:            cs.ID,
		Name:          cs.Name,
		TypeName:      cs.TypeName,
		Description:   cs.Description,
		Configuration: cs.Configuration,
		LazyLoad:      cs.LazyLoad,
		DownloadMode:  string(cs.DownloadMode),
		SyncSchedule:  cs.SyncSchedule,
		CreatedAt:     cs.CreatedAt,
		UpdatedAt:     cs.UpdatedAt,
	}
}

type syncResultsResponse struct {
	ID              int64      `json:"id"`
	ContentSourceID int64      `json:"content_source_id"`
	Status          string     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Results         string     `json:"results"`
}

func toSyncResultsResponse(sr *models.SyncResults) syncResultsResponse {
	return syncResultsResponse{
		ID:              sr.ID,
		ContentSourceID: sr.ContentSourceID,
		Status:          string(sr.Status),
		StartTime:       sr.StartTime,
		EndTime:         sr.EndTime,
		Results:         sr.Results,
	}
}

func (s *Server) listSources(c echo.Context) error {
	list, err := s.sources.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	resp := make([]sourceResponse, 0, len(list))
	for _, cs := range list {
		resp = append(resp, toSourceResponse(cs))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) createSource(c echo.Context) error {
	req := &sourceRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cs := &models.ContentSource{
		Name:          req.Name,
		TypeName:      req.TypeName,
		Description:   req.Description,
		Configuration: req.Configuration,
		LazyLoad:      req.LazyLoad,
		DownloadMode:  models.DownloadMode(req.DownloadMode),
		SyncSchedule:  req.SyncSchedule,
	}
	if cs.Configuration == "" {
		cs.Configuration = "{}"
	}
	if err := s.sources.Create(c.Request().Context(), cs); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, toSourceResponse(cs))
}

func (s *Server) getSource(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	cs, err := s.sources.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, toSourceResponse(cs))
}

func (s *Server) updateSource(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	cs, err := s.sources.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	req := &sourceRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cs.Name = req.Name
	cs.Description = req.Description
	cs.Configuration = req.Configuration
	cs.LazyLoad = req.LazyLoad
	cs.DownloadMode = models.DownloadMode(req.DownloadMode)
	cs.SyncSchedule = req.SyncSchedule

	if err := s.sources.Update(c.Request().Context(), cs); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, toSourceResponse(cs))
}

func (s *Server) deleteSource(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.sources.Delete(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) testSource(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.sources.TestConnection(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) syncSource(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	subject := models.Subject{Name: c.Get(subjectContextKey).(string)}
	sr, err := s.sources.Synchronize(c.Request().Context(), subject, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, toSyncResultsResponse(sr))
}

func (s *Server) listSyncResults(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var limit int
	_ = echo.QueryParamsBinder(c).Int("limit", &limit).BindError()

	list, err := s.sources.SyncResults(c.Request().Context(), id, limit)
	if err != nil {
		return s.fail(c, err)
	}
	resp := make([]syncResultsResponse, 0, len(list))
	for _, sr := range list {
		resp = append(resp, toSyncResultsResponse(sr))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getSyncResults(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sr, err := s.sources.GetSyncResults(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, toSyncResultsResponse(sr))
}

func (s *Server) deleteSyncResults(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.sources.DeleteSyncResults(c.Request().Context(), []int64{id}); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
