//go:build e2e

// Package e2e_test exercises a running broker over HTTP. The suite expects
// E2E_BASE_URL to point at a server whose worker shares the database,
// E2E_API_KEY to hold a provisioned ljb_ token, and E2E_QUEUE_SECRET to
// match the server's QUEUE_SECRET so the suite can drive drain passes.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string     { return getenv("E2E_BASE_URL", "http://localhost:8080") }
func apiKey() string      { return os.Getenv("E2E_API_KEY") }
func queueSecret() string { return os.Getenv("E2E_QUEUE_SECRET") }

// requireCredentials skips when no API key is provisioned; nothing can be
// submitted without one.
func requireCredentials(t *testing.T) {
	t.Helper()
	if apiKey() == "" {
		t.Skip("E2E_API_KEY not set")
	}
}

func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("app not ready after %v", timeout)
}

// doJSON performs one request and decodes the response body when it is JSON.
func doJSON(t *testing.T, client *http.Client, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL()+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey()}
}

func submitJob(t *testing.T, client *http.Client, payload map[string]any) (int, map[string]any) {
	t.Helper()
	return doJSON(t, client, http.MethodPost, "/llm-query", authHeaders(), payload)
}

func getJob(t *testing.T, client *http.Client, id string) (int, map[string]any) {
	t.Helper()
	return doJSON(t, client, http.MethodGet, "/llm-query/"+id, authHeaders(), nil)
}

// triggerWorker drives one drain pass through the HTTP trigger. It skips the
// calling test when no queue secret is configured; a standalone worker
// process may be draining instead.
func triggerWorker(t *testing.T, client *http.Client) map[string]any {
	t.Helper()
	if queueSecret() == "" {
		t.Skip("E2E_QUEUE_SECRET not set")
	}
	code, body := doJSON(t, client, http.MethodPost, "/llm-worker",
		map[string]string{"X-Queue-Secret": queueSecret()}, nil)
	if code != http.StatusOK {
		t.Fatalf("worker trigger returned %d: %#v", code, body)
	}
	return body
}

// waitForTerminal polls the job until it leaves the in-flight states or the
// timeout expires, returning the last envelope seen.
func waitForTerminal(t *testing.T, client *http.Client, jobID string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		code, body := getJob(t, client, jobID)
		if code != http.StatusOK {
			t.Fatalf("status read returned %d: %#v", code, body)
		}
		last = body
		switch body["status"] {
		case "completed", "exhausted", "post_processing_failed", "cancelled":
			return body
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatalf("job %s still in flight after %v: %#v", jobID, timeout, last)
	return nil
}
