// Package api is the HTTP/JSON client for the packhub server. It logs in
// lazily and attaches the bearer token to every subsequent request.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/packhub/packhub/internal/client/config"
)

type Client struct {
	baseURL string
	user    string
	pass    string
	token   string
	http    *http.Client
}

func New(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.ServerURL,
		user:    cfg.Username,
		pass:    cfg.Password,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type Source struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	TypeName      string `json:"type_name"`
	Description   string `json:"description"`
	Configuration string `json:"configuration"`
	LazyLoad      bool   `json:"lazy_load"`
	DownloadMode  string `json:"download_mode"`
	SyncSchedule  string `json:"sync_schedule"`
}

type Repo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Candidate   bool   `json:"candidate"`
}

type SyncResults struct {
	ID              int64      `json:"id"`
	ContentSourceID int64      `json:"content_source_id"`
	Status          string     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Results         string     `json:"results"`
}

type PurgeStats struct {
	PackageVersions        int `json:"PackageVersions"`
	PackageBits            int `json:"PackageBits"`
	ProductVersionMappings int `json:"ProductVersionMappings"`
	FilesDeleted           int `json:"FilesDeleted"`
	FilesFailed            int `json:"FilesFailed"`
}

// login exchanges the configured credentials for a token. It is called once,
// before the first authenticated request.
func (c *Client) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": c.user, "password": c.pass})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	c.token = out.Token
	return nil
}

// do performs one authenticated request and decodes the JSON response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.token == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	var out []Source
	err := c.do(ctx, http.MethodGet, "/api/sources", nil, &out)
	return out, err
}

func (c *Client) CreateSource(ctx context.Context, s *Source) (*Source, error) {
	var out Source
	if err := c.do(ctx, http.MethodPost, "/api/sources", s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSource(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/sources/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) SyncSource(ctx context.Context, id int64) (*SyncResults, error) {
	var out SyncResults
	if err := c.do(ctx, http.MethodPost, "/api/sources/"+strconv.FormatInt(id, 10)+"/sync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SyncResults(ctx context.Context, sourceID int64, limit int) ([]SyncResults, error) {
	path := "/api/sources/" + strconv.FormatInt(sourceID, 10) + "/sync-results"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []SyncResults
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var out []Repo
	err := c.do(ctx, http.MethodGet, "/api/repos", nil, &out)
	return out, err
}

func (c *Client) CreateRepo(ctx context.Context, r *Repo) (*Repo, error) {
	var out Repo
	if err := c.do(ctx, http.MethodPost, "/api/repos", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Purge(ctx context.Context) (*PurgeStats, error) {
	var out PurgeStats
	if err := c.do(ctx, http.MethodPost, "/api/purge", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
