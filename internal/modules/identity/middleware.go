package identity

import (
	"net/http"
	"strings"

	"github.com/eskrenkovic/matchpoint/internal/modules/core"

	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

type unauthorizedResponse struct {
	Error string `json:"error"`
}

func AuthenticationMiddleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				core.WriteUnauthorized(w, r, unauthorizedResponse{Error: "missing bearer token"})
				return
			}

			userID, err := v.Verify(strings.TrimPrefix(header, bearerPrefix))
			if err != nil {
				core.LogInfo(r.Context(), "rejected bearer token", zap.Error(err))
				core.WriteUnauthorized(w, r, unauthorizedResponse{Error: "invalid bearer token"})
				return
			}

			ctx := core.WithSession(r.Context(), core.ContextSession{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
