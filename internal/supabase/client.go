// Package supabase is a thin adapter to the managed-Postgres control plane
// used by the provisioning state machine: create a project, run SQL
// probes against it, and delete it on disconnect. A struct holding a base
// URL, a bearer token, and an *http.Client, one method per remote
// operation.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// UpstreamError reports a non-2xx response from the control plane. Status
// 404 is never swallowed by callers: an orphaned local row is worse than a
// loud error.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("supabase: upstream error (status %d): %s", e.Status, e.Body)
}

// Client wraps the managed-Postgres control-plane REST API.
type Client struct {
	baseURL        string
	accessToken    string
	organizationID string
	httpClient     *http.Client
	breaker        *gobreaker.CircuitBreaker
}

// NewClient constructs a Client. baseURL is the control plane's API root
// (e.g. "https://api.supabase.com").
func NewClient(baseURL, accessToken, organizationID string, breaker *gobreaker.CircuitBreaker) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		accessToken:    accessToken,
		organizationID: organizationID,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		breaker:        breaker,
	}
}

// Project is the subset of the control plane's project resource this
// system cares about.
type Project struct {
	ID     string `json:"id"`
	Ref    string `json:"ref"`
	Region string `json:"region"`
	Status string `json:"status"`
}

// CreateProjectParams seeds a new managed-Postgres project.
type CreateProjectParams struct {
	Name       string
	Region     string
	DBPassword string
}

// CreateProject provisions a new managed-Postgres project. DBPassword is
// transmitted here in plaintext, the only moment it ever is.
func (c *Client) CreateProject(ctx context.Context, p CreateProjectParams) (Project, error) {
	body := map[string]string{
		"name":            p.Name,
		"region":          p.Region,
		"db_pass":         p.DBPassword,
		"organization_id": c.organizationID,
	}
	var project Project
	if err := c.do(ctx, http.MethodPost, "/v1/projects", body, &project); err != nil {
		return Project{}, fmt.Errorf("creating project: %w", err)
	}
	return project, nil
}

// queryResult is one result row from a SQL probe, shaped loosely since the
// columns vary by query (e.g. {"schema_name":"stripe"}).
type queryResult = map[string]any

// RunQuery executes a read-only SQL probe against a provisioned project
// (e.g. confirming a schema or namespace is visible yet).
func (c *Client) RunQuery(ctx context.Context, projectRef, sql string) ([]queryResult, error) {
	body := map[string]string{"query": sql}
	var rows []queryResult
	if err := c.do(ctx, http.MethodPost, "/v1/projects/"+projectRef+"/database/query", body, &rows); err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	return rows, nil
}

// DeleteProject tears down a managed-Postgres project. A 404 is propagated
// as an UpstreamError, never treated as already-deleted success.
func (c *Client) DeleteProject(ctx context.Context, projectRef string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/projects/"+projectRef, nil, nil); err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doOnce(ctx, method, path, body, result)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
