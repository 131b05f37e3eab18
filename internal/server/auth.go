package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dealdesk/internal/engine/auth"
	"dealdesk/internal/logger"
	"dealdesk/internal/repo"
)

type AuthConfig struct {
	Token         auth.TokenConfig
	AllowDevLogin bool
	Log           *logger.Logger
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(auth.Principal); ok && p.ActorID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// authorize checks that the caller may act on behalf of userID.
func authorize(ctx context.Context, userID string) (auth.Principal, huma.StatusError) {
	p, se := principalFromContext(ctx)
	if se != nil {
		return p, se
	}
	if err := auth.CanActFor(p, userID); err != nil {
		return p, handleError(err)
	}
	return p, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return auth.Principal{}, err
	}
	if apiKey.ActorID == "" {
		return auth.Principal{}, errors.New("api key missing actor")
	}
	return auth.Principal{
		ActorID: apiKey.ActorID,
		Role:    auth.RoleService,
		Source:  "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if _, ok := public[req.URL.Path]; ok {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := auth.ParseToken(cfg.Token, token)
				if err != nil {
					log.Debug("bearer token rejected", "path", req.URL.Path, "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					log.Debug("api key rejected", "path", req.URL.Path, "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
