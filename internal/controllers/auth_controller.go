package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/RealZimboGuy/outboundflow/internal/util"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const apiKeyHeader = "X-API-Key"

type ApiClientAuthenticator interface {
	Authenticate(ctx context.Context, id int64, secret string) (*domain.ApiClient, error)
}

type AuthController struct {
	Clients ApiClientAuthenticator
}

func NewAuthController(clients ApiClientAuthenticator) *AuthController {
	return &AuthController{Clients: clients}
}

// RequireAuth accepts X-API-Key: <clientId>.<secret> and puts the client's
// tenant on the request context.
func (a *AuthController) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		idPart, secret, ok := strings.Cut(key, ".")
		if key == "" || !ok || secret == "" {
			util.WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		id, err := util.ParseID(idPart)
		if err != nil {
			util.WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		client, err := a.Clients.Authenticate(r.Context(), id, secret)
		if err != nil {
			slog.ErrorContext(r.Context(), "Failed to authenticate api client", "client_id", id, "error", err)
			util.WriteJSONError(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		if client == nil {
			slog.WarnContext(r.Context(), "Rejected api key", "client_id", id)
			util.WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), core.CtxKeyTenantId, client.TenantID)
		ctx = context.WithValue(ctx, core.CtxKeyClientId, client.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenant reads the authenticated tenant. Handlers only run behind RequireAuth.
func tenant(r *http.Request) int64 {
	id, _ := core.TenantFromContext(r.Context())
	return id
}
