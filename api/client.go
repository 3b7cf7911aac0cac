package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/regression-io/stratum/contracts"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Issues     []contracts.Issue
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Client calls the HTTP API of a running server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// uses one with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Validate checks a spec document without registering it.
func (c *Client) Validate(ctx context.Context, document []byte) (ValidateResponse, error) {
	var resp ValidateResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/validate", bytes.NewReader(document), &resp)
	return resp, err
}

// RegisterSpec registers a spec document under name.
func (c *Client) RegisterSpec(ctx context.Context, name, document string) (SpecResponse, error) {
	var resp SpecResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/specs", RegisterSpecRequest{Name: name, Document: document}, &resp)
	return resp, err
}

// Specs lists the registered specs.
func (c *Client) Specs(ctx context.Context) ([]SpecResponse, error) {
	var resp []SpecResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/specs", nil, &resp)
	return resp, err
}

// StartRun plans a run.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (contracts.Outcome, error) {
	var out contracts.Outcome
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/runs", req, &out)
	return out, err
}

// StepDone reports the result of the in-flight attempt of a step.
func (c *Client) StepDone(ctx context.Context, runID contracts.RunID, stepID contracts.StepID, req StepDoneRequest) (contracts.Outcome, error) {
	var out contracts.Outcome
	err := c.doJSON(ctx, http.MethodPost, stepPath(runID, stepID, "done"), req, &out)
	return out, err
}

// Resume answers a step that awaits a human.
func (c *Client) Resume(ctx context.Context, runID contracts.RunID, stepID contracts.StepID, req ResumeRequest) (contracts.Outcome, error) {
	var out contracts.Outcome
	err := c.doJSON(ctx, http.MethodPost, stepPath(runID, stepID, "resume"), req, &out)
	return out, err
}

// Run returns the snapshot of a run.
func (c *Client) Run(ctx context.Context, runID contracts.RunID) (contracts.RunSnapshot, error) {
	var snap contracts.RunSnapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(string(runID)), nil, &snap)
	return snap, err
}

// Audit returns the attempts of a run filtered by q. The run id of q is
// ignored.
func (c *Client) Audit(ctx context.Context, runID contracts.RunID, q contracts.AuditQuery) (AuditResponse, error) {
	params := url.Values{}
	if q.StepID != "" {
		params.Set("step", string(q.StepID))
	}
	if q.RetriesOnly {
		params.Set("retries", strconv.FormatBool(true))
	}
	path := "/api/v1/runs/" + url.PathEscape(string(runID)) + "/audit"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp AuditResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func stepPath(runID contracts.RunID, stepID contracts.StepID, action string) string {
	return fmt.Sprintf("/api/v1/runs/%s/steps/%s/%s", url.PathEscape(string(runID)), url.PathEscape(string(stepID)), action)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(data), out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		// The API returns a flat ErrorDTO: {"code":"...","message":"..."}
		var dto ErrorDTO
		if json.Unmarshal(data, &dto) == nil && dto.Code != "" {
			return &APIError{StatusCode: resp.StatusCode, Code: dto.Code, Message: dto.Message, Issues: dto.Issues}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
