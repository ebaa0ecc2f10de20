package ports

import (
	"context"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type APIKeyRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error)
}

// ActionAuthorizer decides coarse actions (moderation, UDF and permission
// management) for a subject within an instance.
type ActionAuthorizer interface {
	Authorize(subject, dom, object, action string) (bool, error)
}

// FeatureGate reports whether an optional feature is switched on for an instance.
type FeatureGate interface {
	Enabled(ctx context.Context, instance domain.Instance, feature string) bool
}

// Normalizer canonicalizes a typed value before it is diffed and stored.
type Normalizer interface {
	Normalize(model domain.ModelKind, field string, v domain.Value) (domain.Value, error)
}
