package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/packhub/packhub/internal/server/models"
)

type repoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Candidate   bool   `json:"candidate"`
}

type repoResponse struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Candidate      bool      `json:"candidate"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

func toRepoResponse(r *models.Repo) repoResponse {
	return repoResponse{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		Candidate:      r.Candidate,
		CreatedAt:      r.CreatedAt,
		LastModifiedAt: r.LastModifiedAt,
	}
}

func (s *Server) listRepos(c echo.Context) error {
	list, err := s.repos.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	resp := make([]repoResponse, 0, len(list))
	for _, r := range list {
		resp = append(resp, toRepoResponse(r))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) createRepo(c echo.Context) error {
	req := &repoRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	repo := &models.Repo{Name: req.Name, Description: req.Description, Candidate: req.Candidate}
	if err := s.repos.Create(c.Request().Context(), repo); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, toRepoResponse(repo))
}

func (s *Server) getRepo(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	repo, err := s.repos.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, toRepoResponse(repo))
}

func (s *Server) updateRepo(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	repo, err := s.repos.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	req := &repoRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	repo.Name = req.Name
	repo.Description = req.Description
	repo.Candidate = req.Candidate

	if err := s.repos.Update(c.Request().Context(), repo); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, toRepoResponse(repo))
}

func (s *Server) deleteRepo(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.repos.Delete(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) attachSource(c echo.Context) error {
	repoID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sourceID, err := pathID(c, "sourceID")
	if err != nil {
		return err
	}
	if err := s.repos.AddContentSource(c.Request().Context(), repoID, sourceID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) detachSource(c echo.Context) error {
	repoID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sourceID, err := pathID(c, "sourceID")
	if err != nil {
		return err
	}
	if err := s.repos.RemoveContentSource(c.Request().Context(), repoID, sourceID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) subscribe(c echo.Context) error {
	repoID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	resourceID, err := pathID(c, "resourceID")
	if err != nil {
		return err
	}
	if err := s.repos.Subscribe(c.Request().Context(), repoID, resourceID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) unsubscribe(c echo.Context) error {
	repoID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	resourceID, err := pathID(c, "resourceID")
	if err != nil {
		return err
	}
	if err := s.repos.Unsubscribe(c.Request().Context(), repoID, resourceID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listSubscribedRepos(c echo.Context) error {
	resourceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	list, err := s.repos.ListSubscribed(c.Request().Context(), resourceID)
	if err != nil {
		return s.fail(c, err)
	}
	resp := make([]repoResponse, 0, len(list))
	for _, r := range list {
		resp = append(resp, toRepoResponse(r))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) subscriptionDigest(c echo.Context) error {
	resourceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	digest, err := s.repos.SubscriptionDigest(c.Request().Context(), resourceID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"digest": digest})
}
