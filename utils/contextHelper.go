package utils

import (
	"context"

	"github.com/buildfocus/equipcast_backend/appctx"
)

var (
	ContextKeyOrganizationId = appctx.ContextKeyOrganizationId
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId

	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
	ContextKeyBatchCascade    = appctx.ContextKeyBatchCascade
)

func GetOrganizationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOrganizationId)
}

func SetOrganizationIdInContext(ctx context.Context, organizationId string) context.Context {
	return appctx.Set(ctx, ContextKeyOrganizationId, organizationId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// SetBatchCascadeInContext marks the context as a pruning cascade so the
// immutability guard will let raw-record deletes through.
func SetBatchCascadeInContext(ctx context.Context) context.Context {
	return appctx.Set(ctx, ContextKeyBatchCascade, true)
}

func IsBatchCascadeContext(ctx context.Context) bool {
	v, ok := appctx.GetBool(ctx, ContextKeyBatchCascade)
	return ok && v
}
