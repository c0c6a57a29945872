package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/server/middleware"
	"github.com/enactai/enact/internal/service"
)

// SystemHandler manages access tokens and exposes their usage.
type SystemHandler struct {
	lifecycle *service.Lifecycle
	recorder  *service.Recorder
	sweeper   *service.Sweeper
	policy    *service.Policy
	logger    *slog.Logger
}

// NewSystemHandler creates a new SystemHandler. sweeper may be nil, in
// which case the sweep endpoint reports 503.
func NewSystemHandler(lifecycle *service.Lifecycle, recorder *service.Recorder, sweeper *service.Sweeper, policy *service.Policy, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SystemHandler{
		lifecycle: lifecycle,
		recorder:  recorder,
		sweeper:   sweeper,
		policy:    policy,
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Token management
// ---------------------------------------------------------------------------

// ListTokens returns tokens, newest first. Revoked and rotated tokens are
// included with ?include_inactive=true.
// GET /api/v1/system/token
func (h *SystemHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.lifecycle.List(r.Context(), queryBool(r, "include_inactive"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tokens: "+err.Error())
		return
	}
	if tokens == nil {
		tokens = []*model.Token{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse[*model.Token]{
		Resource: tokens,
		Meta:     model.ResponseMeta{Count: len(tokens)},
	})
}

// createTokenRequest is the expected payload for CreateToken. ExpiresIn is
// a Go duration string such as "720h".
type createTokenRequest struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Tier         model.Tier `json:"tier"`
	AllowedTools []string   `json:"allowed_tools"`
	IPWhitelist  []string   `json:"ip_whitelist"`
	RateLimit    int        `json:"rate_limit"`
	ExpiresAt    *time.Time `json:"expires_at"`
	ExpiresIn    string     `json:"expires_in"`
}

// CreateToken issues a token and returns its secret. This response is the
// only place the secret ever appears.
// POST /api/v1/system/token
func (h *SystemHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	params := service.CreateParams{
		Name:         req.Name,
		Description:  req.Description,
		Tier:         req.Tier,
		AllowedTools: req.AllowedTools,
		IPWhitelist:  req.IPWhitelist,
		RateLimit:    req.RateLimit,
		ExpiresAt:    req.ExpiresAt,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_in: "+err.Error())
			return
		}
		params.ExpiresIn = d
	}

	tok, secret, err := h.lifecycle.Create(r.Context(), params)
	if err != nil {
		writeServiceError(w, err, "token")
		return
	}
	h.logger.Info("token issued via API", "token_id", tok.ID, "tier", tok.Tier, "by", actor(r))

	writeJSON(w, http.StatusCreated, model.IssuedToken{Token: tok, Secret: secret})
}

// GetToken returns one token's metadata.
// GET /api/v1/system/token/{tokenId}
func (h *SystemHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.lifecycle.Get(r.Context(), chi.URLParam(r, "tokenId"))
	if err != nil {
		writeServiceError(w, err, "token")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// updateTokenRequest carries optional changes; absent fields are kept.
type updateTokenRequest struct {
	Name         *string     `json:"name"`
	Description  *string     `json:"description"`
	Tier         *model.Tier `json:"tier"`
	AllowedTools *[]string   `json:"allowed_tools"`
	IPWhitelist  *[]string   `json:"ip_whitelist"`
	RateLimit    *int        `json:"rate_limit"`
	ExpiresAt    *time.Time  `json:"expires_at"`
	ClearExpiry  bool        `json:"clear_expiry"`
}

// UpdateToken changes an active token's restrictions. The secret is
// unchanged.
// PATCH /api/v1/system/token/{tokenId}
func (h *SystemHandler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	var req updateTokenRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	tok, err := h.lifecycle.Update(r.Context(), chi.URLParam(r, "tokenId"), service.UpdateParams{
		Name:         req.Name,
		Description:  req.Description,
		Tier:         req.Tier,
		AllowedTools: req.AllowedTools,
		IPWhitelist:  req.IPWhitelist,
		RateLimit:    req.RateLimit,
		ExpiresAt:    req.ExpiresAt,
		ClearExpiry:  req.ClearExpiry,
	})
	if err != nil {
		writeServiceError(w, err, "token")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// RevokeToken deactivates a token. Revoking an already inactive token
// succeeds with "revoked": false. The reason may be given as ?reason=.
// DELETE /api/v1/system/token/{tokenId}
func (h *SystemHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tokenId")
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))

	changed, err := h.lifecycle.Revoke(r.Context(), id, actor(r), reason)
	if err != nil {
		writeServiceError(w, err, "token")
		return
	}

	message := "Token revoked"
	if !changed {
		message = "Token was already inactive"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"revoked": changed,
		"message": message,
	})
}

// RotateToken replaces a token with a new secret carrying the same
// restrictions. The old secret stops working immediately.
// POST /api/v1/system/token/{tokenId}/rotate
func (h *SystemHandler) RotateToken(w http.ResponseWriter, r *http.Request) {
	tok, secret, err := h.lifecycle.Rotate(r.Context(), chi.URLParam(r, "tokenId"), actor(r))
	if err != nil {
		writeServiceError(w, err, "token")
		return
	}
	writeJSON(w, http.StatusCreated, model.IssuedToken{Token: tok, Secret: secret})
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

// TokenUsage summarizes one token's usage over ?hours= (default 24).
// GET /api/v1/system/token/{tokenId}/usage
func (h *SystemHandler) TokenUsage(w http.ResponseWriter, r *http.Request) {
	hours := clampInt(queryInt(r, "hours", 24), 1, 24*90)
	stats, err := h.lifecycle.Stats(r.Context(), chi.URLParam(r, "tokenId"), time.Duration(hours)*time.Hour)
	if err != nil {
		writeServiceError(w, err, "token")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RecentUsage lists a token's most recent usage records.
// GET /api/v1/system/token/{tokenId}/usage/recent
func (h *SystemHandler) RecentUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tokenId")
	if _, err := h.lifecycle.Get(r.Context(), id); err != nil {
		writeServiceError(w, err, "token")
		return
	}
	records, err := h.recorder.Recent(r.Context(), id, clampInt(queryInt(r, "limit", 50), 1, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load usage: "+err.Error())
		return
	}
	if records == nil {
		records = []model.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse[model.UsageRecord]{
		Resource: records,
		Meta:     model.ResponseMeta{Count: len(records)},
	})
}

// UsageSummary reports per-token totals across every token.
// GET /api/v1/system/usage
func (h *SystemHandler) UsageSummary(w http.ResponseWriter, r *http.Request) {
	hours := clampInt(queryInt(r, "hours", 24), 1, 24*90)
	summary, err := h.recorder.Summary(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to summarize usage: "+err.Error())
		return
	}
	if summary == nil {
		summary = []model.UsageSummary{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse[model.UsageSummary]{
		Resource: summary,
		Meta:     model.ResponseMeta{Count: len(summary)},
	})
}

// Alerts reports security findings across active tokens.
// GET /api/v1/system/alerts
func (h *SystemHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.lifecycle.Alerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build alerts: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse[model.SecurityAlert]{
		Resource: alerts,
		Meta:     model.ResponseMeta{Count: len(alerts)},
	})
}

// ---------------------------------------------------------------------------
// Maintenance and introspection
// ---------------------------------------------------------------------------

// Sweep runs one maintenance pass: expired tokens are deactivated and old
// usage records pruned.
// POST /api/v1/system/sweep
func (h *SystemHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Maintenance is not configured")
		return
	}
	result, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep incomplete: "+err.Error(), map[string]any{
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type toolInfo struct {
	Name string     `json:"name"`
	Tier model.Tier `json:"tier"`
}

// ListTools returns every known tool with the tier it requires.
// GET /api/v1/system/tool
func (h *SystemHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	names := h.policy.Tools()
	tools := make([]toolInfo, 0, len(names))
	for _, name := range names {
		tools = append(tools, toolInfo{Name: name, Tier: h.policy.Required(name)})
	}
	writeJSON(w, http.StatusOK, model.ListResponse[toolInfo]{
		Resource: tools,
		Meta:     model.ResponseMeta{Count: len(tools)},
	})
}

// actor names the caller for audit fields.
func actor(r *http.Request) string {
	if p := middleware.GetPrincipal(r.Context()); p != nil && p.TokenID != "" {
		return p.TokenID
	}
	return "admin"
}
