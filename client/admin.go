package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Admin talks to the admin HTTP endpoint of a server or monitor.
type Admin struct {
	addr string // addr is the HTTP address (e.g. "127.0.0.1:8080")
	http *http.Client
}

// NewAdmin creates an admin client for addr.
func NewAdmin(addr string) *Admin {
	return &Admin{addr: addr, http: &http.Client{Timeout: 5 * time.Second}}
}

// Health returns nil when the process reports itself healthy.
func (a *Admin) Health(ctx context.Context) error {
	var body struct {
		Error string `json:"error"`
	}

	status, err := a.get(ctx, "/health", &body)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", body.Error)
	}

	return nil
}

// Status decodes the /status document into result.
func (a *Admin) Status(ctx context.Context, result any) error {
	status, err := a.get(ctx, "/status", result)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return fmt.Errorf("GET /status: status %d", status)
	}

	return nil
}

// Metrics returns the prometheus text exposition.
func (a *Admin) Metrics(ctx context.Context) (string, error) {
	resp, err := a.do(ctx, "/metrics")
	if err != nil {
		return "", err
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET /metrics: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read metrics:\n%w", err)
	}

	return string(raw), nil
}

// get performs a GET request and decodes the JSON response.
func (a *Admin) get(ctx context.Context, path string, result any) (int, error) {
	resp, err := a.do(ctx, path)
	if err != nil {
		return 0, err
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s:\n%w", path, err)
	}

	return resp.StatusCode, nil
}

func (a *Admin) do(ctx context.Context, path string) (*http.Response, error) {
	url := "http://" + a.addr + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", url, err)
	}

	return resp, nil
}
