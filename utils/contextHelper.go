package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/qbsync_backend/appctx"
)

var (
	ContextKeyRealmId       = appctx.ContextKeyRealmId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetRealmIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRealmId)
}

func SetRealmIdInContext(ctx context.Context, realmId string) context.Context {
	return appctx.Set(ctx, ContextKeyRealmId, realmId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
