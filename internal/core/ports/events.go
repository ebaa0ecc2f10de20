package ports

import (
	"context"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.EventEnvelope) error
}

type OutboxRepository interface {
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
}

// OutboxMaintenance backs the operator commands around the outbox.
type OutboxMaintenance interface {
	OutboxStats(ctx context.Context) (domain.OutboxStats, error)
	// RequeueDead makes dead events pending again with a fresh retry budget.
	// An instanceID of zero requeues every instance.
	RequeueDead(ctx context.Context, instanceID int64) (int64, error)
}
