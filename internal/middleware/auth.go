package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/CL-j-nc/xinhexin-api/internal/auth"
	"github.com/CL-j-nc/xinhexin-api/internal/delegated"
)

type contextKey string

const operatorKey contextKey = "operator"

// OperatorAuth validates the Bearer token and attaches the operator identity
// to the request context. Every /api/admin route sits behind it.
func OperatorAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			op := claims.Operator()
			ctx := context.WithValue(r.Context(), operatorKey, &op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperator returns the operator attached to the request context.
func GetOperator(ctx context.Context) (*delegated.Operator, bool) {
	op, ok := ctx.Value(operatorKey).(*delegated.Operator)
	return op, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
