package core

import "context"

type ctxKey string

const (
	CtxKeyTenantId ctxKey = ctxKey("tenantId")
	CtxKeyClientId ctxKey = ctxKey("clientId")
)

// TenantFromContext returns the tenant id placed on the request by the auth middleware.
func TenantFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(CtxKeyTenantId).(int64)
	return v, ok
}
