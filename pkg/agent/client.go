// Package agent is the worker side of the protocol: it claims tasks from the
// coordinator, drives the external match runner and reports results.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chuckstables/fishtest/pkg/auth"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/ratelimit"
	"github.com/chuckstables/fishtest/pkg/retry"
	"github.com/chuckstables/fishtest/pkg/tracing"
)

// ErrUnexpectedStatus is returned for answers the worker protocol does not
// define.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// TaskClient is the coordinator API as seen by a worker.
type TaskClient interface {
	RequestTask(ctx context.Context, req models.TaskRequest) (*models.TaskResponse, error)
	UpdateTask(ctx context.Context, upd models.TaskUpdate) (*models.UpdateResponse, error)
	CompleteTask(ctx context.Context, done models.TaskCompletion) (*models.UpdateResponse, error)
	AbortTask(ctx context.Context, abort models.TaskAbort) (*models.UpdateResponse, error)
}

// Client manages communication with the coordinator
type Client struct {
	baseURL    string
	workerID   string
	apiKey     string
	httpClient *http.Client
	retry      retry.Config
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying client, e.g. one configured for TLS.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a new coordinator client for the given worker session.
func NewClient(baseURL, workerID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WorkerID returns the session id sent with every request.
func (c *Client) WorkerID() string {
	return c.workerID
}

// RequestTask asks for work.
func (c *Client) RequestTask(ctx context.Context, req models.TaskRequest) (*models.TaskResponse, error) {
	var resp models.TaskResponse
	if err := c.post(ctx, "/task/request", req, &resp); err != nil {
		return nil, fmt.Errorf("task request failed: %w", err)
	}
	return &resp, nil
}

// UpdateTask sends a cumulative partial result. A malformed answer is
// returned as a response, not an error.
func (c *Client) UpdateTask(ctx context.Context, upd models.TaskUpdate) (*models.UpdateResponse, error) {
	var resp models.UpdateResponse
	if err := c.post(ctx, "/task/update", upd, &resp); err != nil {
		return nil, fmt.Errorf("task update failed: %w", err)
	}
	return &resp, nil
}

// CompleteTask sends the final result.
func (c *Client) CompleteTask(ctx context.Context, done models.TaskCompletion) (*models.UpdateResponse, error) {
	var resp models.UpdateResponse
	if err := c.post(ctx, "/task/complete", done, &resp); err != nil {
		return nil, fmt.Errorf("task completion failed: %w", err)
	}
	return &resp, nil
}

// AbortTask gives up a task and asks the coordinator to stop its test.
func (c *Client) AbortTask(ctx context.Context, abort models.TaskAbort) (*models.UpdateResponse, error) {
	var resp models.UpdateResponse
	if err := c.post(ctx, "/task/abort", abort, &resp); err != nil {
		return nil, fmt.Errorf("task abort failed: %w", err)
	}
	return &resp, nil
}

// post sends body as JSON and decodes the answer into out. Network errors,
// 429 and 5xx answers are retried; other failures are not.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(ratelimit.WorkerIDHeader, c.workerID)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusUnprocessableEntity:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			msg, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
		case resp.StatusCode == http.StatusUnauthorized:
			return retry.Permanent(auth.ErrInvalidKey)
		default:
			msg, _ := io.ReadAll(resp.Body)
			return retry.Permanent(fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg))))
		}
	})
}
