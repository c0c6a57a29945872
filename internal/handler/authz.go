package handler

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/enactai/enact/internal/server/middleware"
	"github.com/enactai/enact/internal/service"
)

// AuthzHandler exposes the authorization decision to gateways that front
// tools outside this process.
type AuthzHandler struct {
	auth      *service.Authorizer
	lifecycle *service.Lifecycle
}

// NewAuthzHandler creates a new AuthzHandler. lifecycle resolves the
// token named by an outcome report.
func NewAuthzHandler(auth *service.Authorizer, lifecycle *service.Lifecycle) *AuthzHandler {
	return &AuthzHandler{auth: auth, lifecycle: lifecycle}
}

type authorizeRequest struct {
	Token         string `json:"token"`
	Tool          string `json:"tool"`
	CallerAddress string `json:"caller_address"`
}

// Authorize decides one tool call. The response body is always the
// decision; the status code mirrors it so that simple gateways can act on
// the status alone.
// POST /api/v1/authorize
func (h *AuthzHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	if req.CallerAddress == "" {
		req.CallerAddress = remoteHost(r)
	}

	dec, _ := h.auth.Authorize(r.Context(), service.Request{
		Token:         req.Token,
		Tool:          req.Tool,
		CallerAddress: req.CallerAddress,
	})
	middleware.SetRetryAfter(w, dec)
	writeJSON(w, middleware.DecisionStatus(dec), dec)
}

type outcomeRequest struct {
	TokenID        string `json:"token_id"`
	Tool           string `json:"tool"`
	CallerAddress  string `json:"caller_address"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"error_message"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// Outcome records the result of a call that Authorize allowed.
// POST /api/v1/outcome
func (h *AuthzHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TokenID == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "token_id and tool are required")
		return
	}
	if req.ResponseTimeMs < 0 {
		writeError(w, http.StatusBadRequest, "response_time_ms must not be negative")
		return
	}
	if _, err := h.lifecycle.Get(r.Context(), req.TokenID); err != nil {
		writeServiceError(w, err, "Token")
		return
	}

	err := h.auth.RecordOutcome(r.Context(), service.Outcome{
		TokenID:       req.TokenID,
		Tool:          req.Tool,
		CallerAddress: req.CallerAddress,
		Success:       req.Success,
		ErrorMessage:  req.ErrorMessage,
		ResponseTime:  time.Duration(req.ResponseTimeMs) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to record outcome: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
