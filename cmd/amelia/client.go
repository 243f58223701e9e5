package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amelia-dev/amelia/pkg/api"
	"github.com/amelia-dev/amelia/pkg/models"
)

// client is a thin REST client over the amelia server.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError carries the HTTP status so callers can branch on conflicts.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &apiError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// errorMessage extracts the echo error payload, falling back to the raw body.
func errorMessage(data []byte) string {
	var he struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &he); err == nil && len(he.Message) > 0 {
		var s string
		if json.Unmarshal(he.Message, &s) == nil {
			return s
		}
		return string(he.Message)
	}
	return string(data)
}

func (c *client) createWorkflow(req api.CreateWorkflowRequest) (*api.WorkflowResponse, error) {
	var out api.WorkflowResponse
	if err := c.do(http.MethodPost, "/workflows", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) startWorkflow(id string) (*api.WorkflowResponse, error) {
	var out api.WorkflowResponse
	if err := c.do(http.MethodPost, "/workflows/"+id+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) startBatch(req api.StartBatchRequest) (*api.StartBatchResponse, error) {
	var out api.StartBatchResponse
	if err := c.do(http.MethodPost, "/workflows/start-batch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) listWorkflows(query string) ([]*models.Workflow, error) {
	var out []*models.Workflow
	path := "/workflows"
	if query != "" {
		path += "?" + query
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listProfiles() ([]*models.Profile, error) {
	var out []*models.Profile
	if err := c.do(http.MethodGet, "/api/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getProfile(id string) (*models.Profile, error) {
	var out models.Profile
	if err := c.do(http.MethodGet, "/api/profiles/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) createProfile(p *models.Profile) (*models.Profile, error) {
	var out models.Profile
	if err := c.do(http.MethodPost, "/api/profiles", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) updateProfile(p *models.Profile) error {
	return c.do(http.MethodPut, "/api/profiles/"+p.ID, p, nil)
}

func (c *client) deleteProfile(id string) error {
	return c.do(http.MethodDelete, "/api/profiles/"+id, nil, nil)
}

func (c *client) activateProfile(id string) (*models.Profile, error) {
	var out models.Profile
	if err := c.do(http.MethodPost, "/api/profiles/"+id+"/activate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) getSettings() (map[string]string, error) {
	var out map[string]string
	if err := c.do(http.MethodGet, "/api/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) putSettings(settings map[string]string) (map[string]string, error) {
	var out map[string]string
	if err := c.do(http.MethodPut, "/api/settings", settings, &out); err != nil {
		return nil, err
	}
	return out, nil
}
