//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var env *Env

// Env holds shared state for all integration tests.
type Env struct {
	BaseURL string
	Client  *http.Client
	Enabled bool // auto-solve state at startup, restored in teardown
}

// relayStatus mirrors the JSON shape from /api/v1/status.
type relayStatus struct {
	State         string `json:"state"`
	Connected     bool   `json:"connected"`
	Enabled       bool   `json:"enabled"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	ActiveTab     string `json:"active_tab"`
	Tabs          []struct {
		ID     string `json:"id"`
		URL    string `json:"url"`
		Active bool   `json:"active"`
	} `json:"tabs"`
}

// fetchStatus fetches /api/v1/status.
func (e *Env) fetchStatus() (relayStatus, error) {
	resp, err := e.Client.Get(e.BaseURL + "/api/v1/status")
	if err != nil {
		return relayStatus{}, fmt.Errorf("relay not reachable at %s: %w", e.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return relayStatus{}, fmt.Errorf("status: %d: %s", resp.StatusCode, body)
	}
	var st relayStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return relayStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (e *Env) setEnabled(enabled bool) error {
	b, err := json.Marshal(map[string]bool{"enabled": enabled})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, e.BaseURL+"/api/v1/enabled", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set enabled: status %d", resp.StatusCode)
	}
	return nil
}

// activeTab returns the active tab ID, skipping the test when there is none.
func (e *Env) activeTab(t *testing.T) string {
	t.Helper()
	st, err := e.fetchStatus()
	if err != nil {
		t.Fatal(err)
	}
	if st.ActiveTab == "" {
		t.Skip("relay has no active tab; open a page in the attached browser")
	}
	return st.ActiveTab
}

func TestMain(m *testing.M) {
	baseURL := os.Getenv("CAPTCHA_RELAY_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8790"
	}

	env = &Env{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}

	st, err := env.fetchStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	env.Enabled = st.Enabled
	fmt.Fprintf(os.Stdout, "integration: relay %s at %s, %d tab(s)\n", st.State, env.BaseURL, len(st.Tabs))

	code := m.Run()
	if err := env.setEnabled(env.Enabled); err != nil {
		fmt.Fprintf(os.Stderr, "integration: restore enabled=%v failed: %v\n", env.Enabled, err)
	}
	os.Exit(code)
}

// --- HTTP helpers ---

func (e *Env) GET(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.Client.Get(e.BaseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *Env) PUT(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPut, path, body)
}

func (e *Env) POST(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *Env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("%s %s: marshal body: %v", method, path, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.BaseURL+path, r)
	if err != nil {
		t.Fatalf("%s %s: new request: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func requireField[T comparable](t *testing.T, got, want T, name string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}
