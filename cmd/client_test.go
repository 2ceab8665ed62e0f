package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func newTestAPIClient(t *testing.T, handler http.HandlerFunc) *apiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	return &apiClient{baseURL: "http://" + u.Host, http: srv.Client()}
}

func TestGetDecodesJSONResponse(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "value": 42})
	})

	body, status, err := c.get("/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	if body["value"].(float64) != 42 {
		t.Fatalf("value = %v, want 42", body["value"])
	}
}

func TestPostSendsJSONBody(t *testing.T) {
	var gotBody map[string]any
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	_, _, err := c.post("/api/ai/connect", map[string]any{"name": "s1"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if gotBody["name"] != "s1" {
		t.Fatalf("server received body = %v, want name=s1", gotBody)
	}
}

func TestDoPropagatesNonOKStatus(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "busy"})
	})

	body, status, err := c.get("/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if body["error"] != "busy" {
		t.Fatalf("error = %v, want busy", body["error"])
	}
}

func TestResolveDataDirUsesExplicitFlagWhenSet(t *testing.T) {
	prev := cfgDataDir
	cfgDataDir = "/tmp/explicit-data-dir"
	defer func() { cfgDataDir = prev }()

	dir, err := resolveDataDir()
	if err != nil {
		t.Fatalf("resolveDataDir: %v", err)
	}
	if dir != "/tmp/explicit-data-dir" {
		t.Fatalf("dir = %q, want /tmp/explicit-data-dir", dir)
	}
}
