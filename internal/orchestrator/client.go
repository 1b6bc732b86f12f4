// Package orchestrator talks to the upstream infrastructure orchestrator
// over its REST API. Graphs are submitted and retrieved as JSON payloads;
// non-2xx responses surface as typed HTTP errors preserving the status code
// so callers can map them onto their own failure semantics.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/config"
)

// HTTPError is an upstream non-2xx response. The status code is preserved
// verbatim so callers can distinguish a missing deployment from a real
// failure.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("orchestrator returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client is the REST client for the upstream orchestrator.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

var _ schemas.Orchestrator = (*Client)(nil)

// New builds a client from the configured base URL and request timeout.
func New(cfg config.OrchestratorConfig, logger *zap.Logger) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid orchestrator base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     logger.Named("orchestrator"),
	}, nil
}

// Put submits the graph for deployment. The orchestrator creates or updates
// the deployment identified by the graph id.
func (c *Client) Put(ctx context.Context, graph *schemas.Graph) error {
	payload, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to encode graph %s: %w", graph.ID, err)
	}

	if _, err := c.do(ctx, http.MethodPut, "/NF-FG/"+url.PathEscape(graph.ID), payload); err != nil {
		return err
	}
	c.log.Debug("Graph submitted", zap.String("graph_id", graph.ID))
	return nil
}

// Get retrieves the currently deployed graph.
func (c *Client) Get(ctx context.Context, graphID string) (*schemas.Graph, error) {
	body, err := c.do(ctx, http.MethodGet, "/NF-FG/"+url.PathEscape(graphID), nil)
	if err != nil {
		return nil, err
	}
	var graph schemas.Graph
	if err := json.Unmarshal(body, &graph); err != nil {
		return nil, fmt.Errorf("failed to decode graph %s: %w", graphID, err)
	}
	return &graph, nil
}

// Status reports the deployment state of a submitted graph.
func (c *Client) Status(ctx context.Context, graphID string) (*schemas.GraphStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/NF-FG/status/"+url.PathEscape(graphID), nil)
	if err != nil {
		return nil, err
	}
	var status schemas.GraphStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status of graph %s: %w", graphID, err)
	}
	return &status, nil
}

// Delete tears down the deployment of the graph.
func (c *Client) Delete(ctx context.Context, graphID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/NF-FG/"+url.PathEscape(graphID), nil)
	if err == nil {
		c.log.Debug("Graph deleted", zap.String("graph_id", graphID))
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
