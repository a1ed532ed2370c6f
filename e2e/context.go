// Package e2e drives a running consentflow server through its HTTP API.
//
// The suite reads E2E_BASE_URL and E2E_TOKEN; the token can be issued with
// `consentflow token --subject e2e`.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type TestContext struct {
	baseURL      string
	serviceToken string
	token        string
	client       *http.Client

	lastStatus int
	lastBody   map[string]any
}

func NewTestContext() *TestContext {
	return &TestContext{
		baseURL:      strings.TrimRight(os.Getenv("E2E_BASE_URL"), "/"),
		serviceToken: os.Getenv("E2E_TOKEN"),
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (tc *TestContext) reset() {
	tc.token = ""
	tc.lastStatus = 0
	tc.lastBody = nil
}

func (tc *TestContext) POST(path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return tc.do(http.MethodPost, path, bytes.NewReader(raw))
}

func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil)
}

func (tc *TestContext) do(method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(context.Background(), method, tc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody = nil
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tc.lastBody); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// ResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) ResponseField(field string) (any, error) {
	v, ok := tc.lastBody[field]
	if !ok {
		return nil, fmt.Errorf("response has no field %q: %v", field, tc.lastBody)
	}
	return v, nil
}

func (tc *TestContext) Status() int {
	return tc.lastStatus
}

func (tc *TestContext) useServiceToken() error {
	if tc.serviceToken == "" {
		return fmt.Errorf("E2E_TOKEN is not set")
	}
	tc.token = tc.serviceToken
	return nil
}

func (tc *TestContext) dropToken() error {
	tc.token = ""
	return nil
}

func (tc *TestContext) responseStatusShouldBe(want int) error {
	if tc.lastStatus != want {
		return fmt.Errorf("expected status %d, got %d: %v", want, tc.lastStatus, tc.lastBody)
	}
	return nil
}

func (tc *TestContext) responseFieldShouldBe(field, want string) error {
	v, err := tc.ResponseField(field)
	if err != nil {
		return err
	}
	if got := fmt.Sprint(v); got != want {
		return fmt.Errorf("expected %s=%q, got %q", field, want, got)
	}
	return nil
}
