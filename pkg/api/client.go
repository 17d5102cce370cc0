package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/deckrewind/rewind/pkg/watcher"
)

const unixBaseURL = "http://unix"

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status=%d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Client is an HTTP-over-UDS client for the daemon.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a client that connects to the daemon's UDS socket.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{Transport: transport},
	}
}

// SocketPath returns the configured UDS path.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List calls GET /checkpoints. An empty subject lists every subject.
func (c *Client) List(ctx context.Context, subject string) ([]CheckpointInfo, error) {
	path := "/checkpoints"
	if subject != "" {
		path += "?subject=" + url.QueryEscape(subject)
	}
	var resp ListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// Checkpoint calls POST /checkpoint.
func (c *Client) Checkpoint(ctx context.Context, req CheckpointRequest) (*CheckpointInfo, error) {
	var resp CheckpointResponse
	if err := c.doJSON(ctx, http.MethodPost, "/checkpoint", req, &resp); err != nil {
		return nil, err
	}
	if resp.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint response carried no checkpoint")
	}
	return resp.Checkpoint, nil
}

// Restore calls POST /restore.
func (c *Client) Restore(ctx context.Context, req RestoreRequest) (*RestoreResponse, error) {
	var resp RestoreResponse
	if err := c.doJSON(ctx, http.MethodPost, "/restore", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete calls DELETE /checkpoints/{id}.
// It reports false when there was nothing to delete.
func (c *Client) Delete(ctx context.Context, id string) (bool, error) {
	var resp DeleteResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/checkpoints/"+url.PathEscape(id), nil, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// Command calls POST /command.
func (c *Client) Command(ctx context.Context, kind watcher.CommandKind) error {
	return c.doJSON(ctx, http.MethodPost, "/command", watcher.Command{Kind: kind}, nil)
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (*watcher.Status, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Status, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, unixBaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uds request failed (%s %s): %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var apiErr ErrorResponse
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			statusErr.Message = apiErr.Error
			statusErr.Reason = apiErr.Reason
		} else {
			statusErr.Message = strings.TrimSpace(string(payload))
			if statusErr.Message == "" {
				statusErr.Message = "<empty>"
			}
		}
		return statusErr
	}

	if respBody != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
