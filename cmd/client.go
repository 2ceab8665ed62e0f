package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

// apiClient talks to a running daemon's local HTTP API. Commands that need
// the running daemon's API (status, open) share it rather than each
// reimplementing request/response plumbing.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(dataDir string) (*apiClient, error) {
	cfg, err := config.Load(dataDir, nil)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) get(path string) (map[string]any, int, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body any) (map[string]any, int, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) do(method, path string, body any) (map[string]any, int, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return out, resp.StatusCode, nil
}

// resolveDataDir mirrors runStart's data dir resolution for commands that
// only need to read settings, not start the daemon.
func resolveDataDir() (string, error) {
	if cfgDataDir != "" {
		return cfgDataDir, nil
	}
	return config.DefaultDataDir()
}
