// ABOUTME: Typed HTTP client for the coven-dispatch coordination protocol
// ABOUTME: Used by the CLI for admin calls and by dispatch-agent for polling and reporting

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/ledger"
	"github.com/2389/coven-dispatch/internal/registry"
	"github.com/2389/coven-dispatch/internal/store"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// RegisterRequest describes the registering agent.
type RegisterRequest struct {
	Hostname  string         `json:"hostname"`
	IP        string         `json:"ip,omitempty"`
	SSHPubkey string         `json:"ssh_pubkey,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// RegisterResponse carries the new identity.
type RegisterResponse struct {
	AgentID    string `json:"agent_id"`
	AgentToken string `json:"agent_token"`
}

// CreateJobRequest describes a job to submit.
type CreateJobRequest struct {
	AgentID  string   `json:"agent_id"`
	Args     []string `json:"args"`
	IsSPA    bool     `json:"is_spa"`
	EnvToken string   `json:"env_token,omitempty"`
}

// DeployRequest triggers a direct deployment.
type DeployRequest struct {
	RepoURL string
	Domain  string
	IsSPA   bool
	Env     map[string]any
}

// Client talks to a coven-dispatch server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	adminToken string
	agentToken string
}

// Option configures a Client.
type Option func(*Client)

// WithAdminToken sets the X-Admin-Token credential.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithAgentToken sets the X-Agent-Token credential.
func WithAgentToken(token string) Option {
	return func(c *Client) { c.agentToken = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAgentToken replaces the agent credential, e.g. after registering.
func (c *Client) SetAgentToken(token string) {
	c.agentToken = token
}

// Register creates a new agent identity.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/register", credNone, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgents returns every agent in registration order.
func (c *Client) ListAgents(ctx context.Context) (*store.Table[registry.Agent], error) {
	resp := struct {
		Agents *store.Table[registry.Agent] `json:"agents"`
	}{Agents: store.NewTable[registry.Agent]()}
	if err := c.doJSON(ctx, http.MethodGet, "/agents", credAdmin, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// CreateJob submits a job and returns its id.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	if req.Args == nil {
		req.Args = []string{}
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/create_job", credAdmin, req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// ListJobs returns every job in creation order.
func (c *Client) ListJobs(ctx context.Context) (*store.Table[ledger.Job], error) {
	resp := struct {
		Jobs *store.Table[ledger.Job] `json:"jobs"`
	}{Jobs: store.NewTable[ledger.Job]()}
	if err := c.doJSON(ctx, http.MethodGet, "/jobs", credAdmin, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// PollJobs returns the calling agent's pending jobs.
func (c *Client) PollJobs(ctx context.Context) ([]ledger.Job, error) {
	var resp struct {
		Jobs []ledger.Job `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/poll_jobs", credAgent, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Report records a job outcome.
func (c *Client) Report(ctx context.Context, jobID, status, output string) error {
	req := map[string]string{"job_id": jobID, "status": status, "output": output}
	return c.doJSON(ctx, http.MethodPost, "/report", credAgent, req, nil)
}

// UploadEnv stores a JSON bundle and returns its token.
func (c *Client) UploadEnv(ctx context.Context, payload []byte) (string, error) {
	var resp struct {
		EnvToken string `json:"env_token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/upload_env", credAdmin, payload, &resp); err != nil {
		return "", err
	}
	return resp.EnvToken, nil
}

// DownloadEnv fetches a bundle referenced by one of the agent's pending jobs.
func (c *Client) DownloadEnv(ctx context.Context, envToken string) (json.RawMessage, error) {
	var payload json.RawMessage
	path := "/download_env?env_token=" + url.QueryEscape(envToken)
	if err := c.doJSON(ctx, http.MethodGet, path, credAgent, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Health checks liveness.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.text(ctx, "/health")
	return err
}

// Ready returns the readiness summary.
func (c *Client) Ready(ctx context.Context) (string, error) {
	return c.text(ctx, "/health/ready")
}

// Deploy triggers a direct deployment and copies the streamed output to w.
func (c *Client) Deploy(ctx context.Context, req DeployRequest, w io.Writer) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("repo_url", req.RepoURL)
	if req.Domain != "" {
		_ = mw.WriteField("domain", req.Domain)
	}
	_ = mw.WriteField("is_spa", fmt.Sprint(req.IsSPA))
	if len(req.Env) > 0 {
		data, err := json.Marshal(req.Env)
		if err != nil {
			return fmt.Errorf("encoding env: %w", err)
		}
		fw, err := mw.CreateFormFile("env_file", "env.json")
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/deploy", credAdmin, &body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	// deployments outlive the default client timeout
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deploy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

type credential int

const (
	credNone credential = iota
	credAdmin
	credAgent
)

func (c *Client) newRequest(ctx context.Context, method, path string, cred credential, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	switch cred {
	case credAdmin:
		if c.adminToken != "" {
			req.Header.Set("X-Admin-Token", c.adminToken)
		}
	case credAgent:
		req.Header.Set("X-Agent-Token", c.agentToken)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, cred credential, in, out any) error {
	var body io.Reader
	switch v := in.(type) {
	case nil:
	case []byte:
		// passed through untouched so the server judges validity
		body = bytes.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, cred, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) text(ctx context.Context, path string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, credNone, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
