package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"matricula/pkg/requestcontext"
)

// TokenValidator defines the interface for validating bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*TokenClaims, error)
}

// TokenClaims represents the claims we expect from the token validator.
// Authentication itself is an external collaborator; the middleware only
// extracts who is calling.
type TokenClaims struct {
	Subject string
	Role    string
}

// RoleStaff marks reviewers allowed to hit the admin surface.
const RoleStaff = "staff"

// RequireAuth validates the bearer token and injects the owner ID into the
// request context.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, validator, logger)
			if !ok {
				return
			}
			ctx := requestcontext.WithOwnerID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireStaff validates the bearer token and additionally requires the staff
// role. The staff subject is exposed as StaffID for audit attribution.
func RequireStaff(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, validator, logger)
			if !ok {
				return
			}
			if claims.Role != RoleStaff {
				logger.WarnContext(r.Context(), "forbidden - staff role required",
					"subject", claims.Subject,
					"request_id", GetRequestID(r.Context()),
				)
				writeAuthError(w, http.StatusForbidden, "forbidden", "Staff role required")
				return
			}
			ctx := requestcontext.WithStaffID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(w http.ResponseWriter, r *http.Request, validator TokenValidator, logger *slog.Logger) (*TokenClaims, bool) {
	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	token, ok := strings.CutPrefix(authHeader, bearerPrefix)
	if !ok || token == "" {
		logger.WarnContext(r.Context(), "unauthorized access - missing token",
			"request_id", GetRequestID(r.Context()),
		)
		writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token")
		return nil, false
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		logger.WarnContext(r.Context(), "unauthorized access - invalid token",
			"error", err,
			"request_id", GetRequestID(r.Context()),
		)
		writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
		return nil, false
	}
	return claims, true
}

func writeAuthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","error_description":"` + desc + `"}`))
}
