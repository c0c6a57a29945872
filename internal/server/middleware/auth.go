package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal represents the token making the request.
type Principal struct {
	TokenID string
	Tier    model.Tier
}

// Authenticate returns an HTTP middleware that authorizes the request's
// bearer token for tool, through the same decision path as MCP tool
// calls. The call is then recorded with the handler's status: 5xx
// responses count as failures.
//
// On success, a Principal is attached to the request context. On failure,
// a JSON error response carrying the decision reason is returned.
func Authenticate(auth *service.Authorizer, tool string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := remoteHost(r)
			dec, err := auth.Authorize(r.Context(), service.Request{
				Token:         bearerToken(r),
				Tool:          tool,
				CallerAddress: caller,
			})
			if err != nil {
				logger.Warn("authorization error", "path", r.URL.Path, "error", err)
			}
			if !dec.Allow {
				if dec.Reason == model.ReasonInvalidToken || dec.Reason == model.ReasonRevoked || dec.Reason == model.ReasonExpired {
					w.Header().Set("WWW-Authenticate", `Bearer realm="enact"`)
				}
				SetRetryAfter(w, dec)
				writeAuthError(w, DecisionStatus(dec), string(dec.Reason), dec.Message)
				return
			}

			principal := &Principal{TokenID: dec.TokenID, Tier: dec.Tier}
			if slot, ok := r.Context().Value(principalSlotKey).(**Principal); ok {
				*slot = principal
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)

			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			outcome := service.Outcome{
				TokenID:       dec.TokenID,
				Tool:          tool,
				CallerAddress: caller,
				Success:       ww.status < 500,
				ResponseTime:  time.Since(start),
			}
			if !outcome.Success {
				outcome.ErrorMessage = r.Method + " " + r.URL.Path + ": " + http.StatusText(ww.status)
			}
			if err := auth.RecordOutcome(context.WithoutCancel(r.Context()), outcome); err != nil {
				logger.Error("failed to record admin call", "token_id", dec.TokenID, "error", err)
			}
		})
	}
}

// RequireAdmin returns an HTTP middleware that enforces admin-level access.
// It must be used after Authenticate in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.Tier.Satisfies(model.TierAdmin) {
				writeAuthError(w, http.StatusForbidden, string(model.ReasonInsufficientPermission), "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// DecisionStatus maps an authorization decision onto an HTTP status code.
func DecisionStatus(dec service.Decision) int {
	switch dec.Reason {
	case model.ReasonAllowed:
		return http.StatusOK
	case model.ReasonInvalidToken, model.ReasonRevoked, model.ReasonExpired:
		return http.StatusUnauthorized
	case model.ReasonRateLimited:
		return http.StatusTooManyRequests
	case model.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// SetRetryAfter sets the Retry-After header for rate-limited decisions,
// rounded up to whole seconds with a minimum of one.
func SetRetryAfter(w http.ResponseWriter, dec service.Decision) {
	if dec.Reason != model.ReasonRateLimited {
		return
	}
	secs := int((dec.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// bearerToken returns the Authorization bearer credential, or "".
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// remoteHost strips the port from RemoteAddr. Behind a trusted proxy the
// RealIP middleware has already rewritten RemoteAddr.
func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type authError struct {
	Error struct {
		Code    int    `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeAuthError writes the error envelope. The handler package is not
// imported here; it depends on this one.
func writeAuthError(w http.ResponseWriter, status int, reason, message string) {
	var body authError
	body.Error.Code = status
	body.Error.Reason = reason
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
