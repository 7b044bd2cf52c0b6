package grpc

import "context"

// DirectorySource exposes the tenant views served by the directory API.
type DirectorySource interface {
	Clients(tenant string) map[string]map[string]any
	Printers(tenant string) []map[string]any
}

type tenantKey struct{}

// ContextWithTenant attaches the authenticated tenant to ctx.
func ContextWithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext returns the tenant stored by the authenticating interceptor.
func TenantFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	tenant, ok := ctx.Value(tenantKey{}).(string)
	return tenant, ok && tenant != ""
}
