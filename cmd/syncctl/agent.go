package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"schoolsync/internal/api"
	"schoolsync/internal/models"
)

// agentClient talks to the control API of a running agent.
type agentClient struct {
	baseURL  string
	apiKey   string
	apiExtra string
	http     *http.Client
}

func (o *options) agent() *agentClient {
	if o.agentURL == "" {
		return nil
	}
	return &agentClient{
		baseURL:  strings.TrimRight(o.agentURL, "/"),
		apiKey:   o.apiKey,
		apiExtra: o.apiExtra,
		http:     &http.Client{Timeout: time.Minute},
	}
}

func (c *agentClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("x-api-extra", c.apiExtra)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body api.ErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("agent: %s: %s", resp.Status, body.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *agentClient) Status(ctx context.Context) (models.SyncStatus, error) {
	var s models.SyncStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/status", &s)
	return s, err
}

func (c *agentClient) Dismiss(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/operations/"+id, nil)
}

func (c *agentClient) Retry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/operations/"+id+"/retry", nil)
}

func (c *agentClient) Sync(ctx context.Context) (models.SyncStatus, error) {
	var s models.SyncStatus
	err := c.do(ctx, http.MethodPost, "/api/v1/sync", &s)
	return s, err
}
