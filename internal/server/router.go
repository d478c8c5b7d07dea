// Package server exposes the admin and dispatch HTTP surface.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/approval"
	"github.com/triage-ai/toolgate/internal/config"
	"github.com/triage-ai/toolgate/internal/orchestrator"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Logger       *zap.Logger
	// APIKeyHash is the bcrypt hash of the admin bearer token. Empty
	// disables auth (local development).
	APIKeyHash string
	// ReloadConfig loads a fresh config from the configured source.
	ReloadConfig func(ctx context.Context) (*config.Config, error)
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tools/call", deps.handleCallTool)
	mux.HandleFunc("POST /v1/resources/read", deps.handleReadResource)
	mux.HandleFunc("GET /v1/tools", deps.handleListTools)
	mux.HandleFunc("GET /v1/resources", deps.handleListResources)
	mux.HandleFunc("GET /v1/providers", deps.handleListProviders)

	mux.HandleFunc("GET /v1/approvals", deps.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", deps.handleApprove)
	mux.HandleFunc("POST /v1/approvals/{id}/reject", deps.handleReject)

	mux.HandleFunc("POST /v1/config/reload", deps.handleReload)
	mux.HandleFunc("GET /v1/audit/recent", deps.handleRecentAudit)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return requestLogging(deps.authMiddleware(mux), deps.Logger)
}

type callToolRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dependencies) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := readJSON(r, &req); err != nil || req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "body must be JSON with a non-empty tool field"})
		return
	}
	res, err := d.Orchestrator.CallTool(r.Context(), req.Tool, req.Arguments)
	if err != nil {
		d.writeDispatchError(w, err)
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

type readResourceRequest struct {
	URI string `json:"uri"`
}

func (d *Dependencies) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req readResourceRequest
	if err := readJSON(r, &req); err != nil || req.URI == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "body must be JSON with a non-empty uri field"})
		return
	}
	res, err := d.Orchestrator.GetResource(r.Context(), req.URI)
	if err != nil {
		d.writeDispatchError(w, err)
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

func (d *Dependencies) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": d.Orchestrator.Tools()})
}

func (d *Dependencies) handleListResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resources": d.Orchestrator.Resources()})
}

func (d *Dependencies) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": d.Orchestrator.Providers()})
}

func (d *Dependencies) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": d.Orchestrator.Approvals()})
}

func (d *Dependencies) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := d.Orchestrator.ResumeApproved(r.Context(), id)
	if err != nil {
		d.writeApprovalError(w, err)
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

func (d *Dependencies) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.Orchestrator.RejectApproval(id); err != nil {
		d.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "id": id})
}

func (d *Dependencies) handleReload(w http.ResponseWriter, r *http.Request) {
	if d.ReloadConfig == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "no reloadable config source"})
		return
	}
	cfg, err := d.ReloadConfig(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if err := d.Orchestrator.Reload(r.Context(), cfg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalid) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, ErrorResp{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (d *Dependencies) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": d.Orchestrator.RecentAudit(limit)})
}

func (d *Dependencies) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrToolNotFound),
		errors.Is(err, orchestrator.ErrResourceNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: err.Error()})
	default:
		d.Logger.Error("dispatch failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: err.Error()})
	}
}

func (d *Dependencies) writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: err.Error()})
	case errors.Is(err, approval.ErrExpired):
		writeJSON(w, http.StatusGone, ErrorResp{Detail: err.Error()})
	default:
		d.Logger.Error("approval action failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: err.Error()})
	}
}

// statusForOutcome maps pipeline outcomes onto HTTP statuses. Policy
// decisions are successful evaluations and return 200; the caller reads the
// outcome field.
func statusForOutcome(o orchestrator.Outcome) int {
	switch o {
	case orchestrator.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case orchestrator.OutcomeTimedOut:
		return http.StatusGatewayTimeout
	case orchestrator.OutcomeError:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}
