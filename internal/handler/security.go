package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pharmacy-api/internal/domain/auth"
)

// HeaderAPIKey carries the admin API key.
const HeaderAPIKey = "api_key"

type apiKeyCtxKey struct{}

// APIKeyFromContext returns the key authenticated by RequireAPIKey.
func APIKeyFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// RequireAPIKey authenticates the api_key header against stored HMAC
// digests and requires scope. Missing or unknown keys get 401, keys
// without the scope get 403.
func (h *Handler) RequireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			digest := auth.HashKey(h.pepper, key)
			info, err := h.apikeys.FindByHash(r.Context(), digest)
			switch {
			case errors.Is(err, auth.ErrKeyNotFound):
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			case err != nil:
				fail(w, r, errors.Wrap(err, "find api key"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(digest), []byte(info.KeyHash)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !info.HasScope(scope) {
				zctx.From(r.Context()).Warn("API key lacks scope",
					zap.String("key_id", info.ID),
					zap.String("scope", scope),
				)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey{}, info)))
		})
	}
}
