package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type OutboxRepository struct {
	db *gormsqlite.DB
}

func NewOutboxRepository(db *gormsqlite.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outboxEventModel
	now := time.Now().UTC()
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("status = ? AND next_attempt_at <= ?", domain.OutboxPending, now).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox: %w", err)
	}

	result := make([]domain.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": domain.OutboxDispatched, "dispatched_at": &now, "last_error": ""}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error {
	parsed, err := time.Parse(time.RFC3339Nano, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("parse next attempt: %w", err)
	}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"attempts": attempts, "next_attempt_at": parsed, "last_error": errMsg}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// MarkDead parks an event that exhausted its retries; FetchPending skips it.
func (r *OutboxRepository) MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": domain.OutboxDead, "attempts": attempts, "last_error": errMsg}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox dead: %w", err)
	}
	return nil
}

func (r *OutboxRepository) OutboxStats(ctx context.Context) (domain.OutboxStats, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Select("status, COUNT(*) AS n").
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("count outbox: %w", err)
	}
	var st domain.OutboxStats
	for _, row := range rows {
		switch row.Status {
		case domain.OutboxPending:
			st.Pending = row.N
		case domain.OutboxDispatched:
			st.Dispatched = row.N
		case domain.OutboxDead:
			st.Dead = row.N
		}
	}
	return st, nil
}

func (r *OutboxRepository) RequeueDead(ctx context.Context, instanceID int64) (int64, error) {
	var n int64
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		q := tx.Model(&outboxEventModel{}).Where("status = ?", domain.OutboxDead)
		if instanceID != 0 {
			q = q.Where("instance_id = ?", instanceID)
		}
		res := q.Updates(map[string]any{
			"status":          domain.OutboxPending,
			"attempts":        0,
			"next_attempt_at": time.Now().UTC(),
		})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox: %w", err)
	}
	return n, nil
}
