package handlers

import (
	"context"

	"github.com/iudanet/edgesync/internal/server/syncer"
)

// contextKey тип для ключей контекста
type contextKey string

// PrincipalKey ключ для хранения syncer.Principal в контексте
const PrincipalKey contextKey = "principal"

// WithPrincipal сохраняет участника handshake в контексте
func WithPrincipal(ctx context.Context, p syncer.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetPrincipal извлекает участника из контекста запроса
func GetPrincipal(ctx context.Context) (syncer.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(syncer.Principal)
	return p, ok
}
