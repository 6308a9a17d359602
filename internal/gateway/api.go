// ABOUTME: HTTP handlers for registration, job submission, polling, reporting and env bundles
// ABOUTME: Maps domain errors to 400/403/404/500 JSON responses

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/bundle"
	"github.com/2389/coven-dispatch/internal/deploy"
	"github.com/2389/coven-dispatch/internal/ledger"
	"github.com/2389/coven-dispatch/internal/registry"
	"github.com/2389/coven-dispatch/internal/store"
)

// Request size limits
const (
	maxRequestBytes = 1 << 20
	maxBundleBytes  = 32 << 20
)

// errBadRequest marks malformed or incomplete requests.
var errBadRequest = errors.New("invalid request")

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Hostname  string         `json:"hostname"`
	IP        string         `json:"ip,omitempty"`
	SSHPubkey string         `json:"ssh_pubkey,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// RegisterResponse is returned by POST /register.
type RegisterResponse struct {
	AgentID    string `json:"agent_id"`
	AgentToken string `json:"agent_token"`
}

// CreateJobRequest is the body of POST /create_job.
type CreateJobRequest struct {
	AgentID  string          `json:"agent_id"`
	Args     []string        `json:"args"`
	IsSPA    ledger.FlexBool `json:"is_spa"`
	EnvToken string          `json:"env_token,omitempty"`
}

// ReportRequest is the body of POST /report.
type ReportRequest struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// registerRoutes wires every endpoint onto mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux, logger *slog.Logger) {
	admin := auth.RequireAdmin(g.admin)
	agent := auth.RequireAgent(g.registry, isCredentialError, logger)

	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /register", g.handleRegister)

	mux.Handle("GET /agents", admin(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("POST /create_job", admin(http.HandlerFunc(g.handleCreateJob)))
	mux.Handle("GET /jobs", admin(http.HandlerFunc(g.handleListJobs)))
	mux.Handle("POST /upload_env", admin(http.HandlerFunc(g.handleUploadEnv)))
	mux.Handle("POST /deploy", admin(http.HandlerFunc(g.handleDeploy)))

	mux.Handle("GET /poll_jobs", agent(http.HandlerFunc(g.handlePollJobs)))
	mux.Handle("POST /report", agent(http.HandlerFunc(g.handleReport)))
	mux.Handle("GET /download_env", agent(http.HandlerFunc(g.handleDownloadEnv)))
}

func isCredentialError(err error) bool {
	return errors.Is(err, registry.ErrMissingToken) || errors.Is(err, registry.ErrInvalidToken)
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"note": "coven-dispatch: agents poll /poll_jobs for work",
	})
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, err)
		return
	}

	agentID, token, err := g.registry.Register(r.Context(), registry.RegisterParams{
		Hostname:  req.Hostname,
		IP:        req.IP,
		SSHPubkey: req.SSHPubkey,
		Meta:      req.Meta,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, RegisterResponse{AgentID: agentID, AgentToken: token})
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.registry.List(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (g *Gateway) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, err)
		return
	}
	if req.AgentID == "" {
		g.sendError(w, fmt.Errorf("%w: agent_id is required", errBadRequest))
		return
	}

	jobID, err := g.ledger.Create(r.Context(), ledger.CreateParams{
		AgentID:  req.AgentID,
		Args:     req.Args,
		IsSPA:    bool(req.IsSPA),
		EnvToken: req.EnvToken,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := g.ledger.List(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (g *Gateway) handlePollJobs(w http.ResponseWriter, r *http.Request) {
	agentID := auth.AgentID(r.Context())

	// touch and read are separate critical sections
	if err := g.registry.Touch(r.Context(), agentID); err != nil {
		g.sendError(w, err)
		return
	}

	jobs, err := g.ledger.PendingFor(r.Context(), agentID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (g *Gateway) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, err)
		return
	}
	if req.JobID == "" {
		g.sendError(w, fmt.Errorf("%w: job_id is required", errBadRequest))
		return
	}

	err := g.ledger.Report(r.Context(), req.JobID, auth.AgentID(r.Context()), req.Status, req.Output)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleUploadEnv accepts either a multipart env_file or a raw JSON body.
func (g *Gateway) handleUploadEnv(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBytes)

	var payload []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		data, found, err := readFormFile(r, "env_file")
		if err != nil {
			g.sendError(w, err)
			return
		}
		if !found {
			g.sendError(w, fmt.Errorf("%w: no env provided", errBadRequest))
			return
		}
		payload = data
	} else {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			g.sendError(w, fmt.Errorf("%w: reading body: %v", errBadRequest, err))
			return
		}
		payload = data
	}

	if len(strings.TrimSpace(string(payload))) == 0 {
		g.sendError(w, fmt.Errorf("%w: no env provided", errBadRequest))
		return
	}

	token, err := g.broker.Upload(r.Context(), payload)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"env_token": token})
}

func (g *Gateway) handleDownloadEnv(w http.ResponseWriter, r *http.Request) {
	envToken := r.URL.Query().Get("env_token")
	if envToken == "" {
		g.sendError(w, fmt.Errorf("%w: env_token is required", errBadRequest))
		return
	}

	payload, err := g.broker.Download(r.Context(), envToken, auth.AgentID(r.Context()))
	if err != nil {
		g.sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// handleDeploy runs a deployment script directly and streams its output.
// It has no ledger entry.
func (g *Gateway) handleDeploy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBytes)
	if err := r.ParseMultipartForm(maxRequestBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		g.sendError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	repoURL := strings.TrimSpace(r.FormValue("repo_url"))
	if repoURL == "" {
		g.sendError(w, fmt.Errorf("%w: repo_url is required", errBadRequest))
		return
	}
	isSPA, err := ledger.ParseBool(r.FormValue("is_spa"))
	if err != nil {
		g.sendError(w, fmt.Errorf("%w: is_spa: %v", errBadRequest, err))
		return
	}

	data, found, err := readFormFile(r, "env_file")
	if err != nil {
		g.sendError(w, err)
		return
	}
	if found {
		env, err := deploy.ParseEnv(data)
		if err != nil {
			g.sendError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if len(env) > 0 {
			path, err := deploy.EnvFilePath(g.config.Deploy.AppsBase, repoURL)
			if err != nil {
				g.sendError(w, err)
				return
			}
			if err := deploy.WriteEnvFile(path, env); err != nil {
				g.sendError(w, err)
				return
			}
			g.logger.Info("wrote deployment env file", "path", path, "keys", len(env))
		}
	}

	args := []string{repoURL}
	if domain := strings.TrimSpace(r.FormValue("domain")); domain != "" {
		args = append(args, domain)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	res, err := g.runner.Stream(r.Context(), w, isSPA, args)
	if err != nil && !errors.Is(err, deploy.ErrScriptUnavailable) {
		g.logger.Warn("deployment stream ended early", "repo_url", repoURL, "error", err)
		return
	}
	g.logger.Info("deployment finished", "repo_url", repoURL, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
}

// readFormFile returns the contents of a multipart file field, if present.
func readFormFile(r *http.Request, field string) ([]byte, bool, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading %s: %v", errBadRequest, field, err)
	}
	return data, true, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, registry.ErrMissingHost),
		errors.Is(err, bundle.ErrInvalidPayload),
		errors.Is(err, bundle.ErrInvalidToken),
		errors.Is(err, deploy.ErrInvalidAppName):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrMissingToken),
		errors.Is(err, registry.ErrInvalidToken),
		errors.Is(err, ledger.ErrNotOwner),
		errors.Is(err, bundle.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, ledger.ErrAgentNotFound),
		errors.Is(err, ledger.ErrJobNotFound),
		errors.Is(err, bundle.ErrBundleNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err with its mapped status. Internal failures are logged
// and reported without detail.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if errors.Is(err, store.ErrCorrupt) {
			g.logger.Error("state document is corrupt, operator intervention required", "error", err)
		} else {
			g.logger.Error("request failed", "error", err)
		}
		msg = "internal error"
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to write response", "error", err)
	}
}
