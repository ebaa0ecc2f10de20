package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// Lanes bounds how many features are published concurrently.
	Lanes int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Lanes <= 0 {
		c.Lanes = 4
	}
	return c
}

// OutboxDispatcher publishes committed events. Events of one feature are
// published in commit order and a failure holds back the rest of that
// feature's events until the next pass; separate features run in parallel.
type OutboxDispatcher struct {
	repo      ports.OutboxRepository
	publisher ports.EventPublisher
	log       *zap.Logger
	cfg       DispatcherConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	byType       sync.Map // event type → *atomic.Int64
}

type OutboxDispatcherMetrics struct {
	Published    int64
	Retried      int64
	DeadLettered int64
	ByType       map[string]int64
}

func NewOutboxDispatcher(repo ports.OutboxRepository, publisher ports.EventPublisher, log *zap.Logger, cfg DispatcherConfig) *OutboxDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxDispatcher{repo: repo, publisher: publisher, log: log.Named("outbox"), cfg: cfg.withDefaults()}
}

func (d *OutboxDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *OutboxDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("dispatch pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type outboxItem struct {
	row       domain.OutboxEvent
	envelope  domain.EventEnvelope
	decodeErr error
}

type laneKey struct {
	instanceID int64
	model      domain.ModelKind
	modelID    int64
}

// lanes groups a fetched batch by feature, keeping fetch order inside
// each lane. Undecodable rows get a lane of their own.
func lanes(rows []domain.OutboxEvent) [][]outboxItem {
	var (
		out   [][]outboxItem
		index = make(map[laneKey]int)
	)
	for _, row := range rows {
		item := outboxItem{row: row}
		if err := json.Unmarshal(row.PayloadJSON, &item.envelope); err != nil {
			item.decodeErr = err
			out = append(out, []outboxItem{item})
			continue
		}
		key := laneKey{item.envelope.InstanceID, item.envelope.Model, item.envelope.ModelID}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], item)
	}
	return out
}

// DispatchOnce runs a single dispatch pass.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) error {
	rows, err := d.repo.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending events: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Lanes)
	for _, lane := range lanes(rows) {
		g.Go(func() error { return d.publishLane(gctx, lane) })
	}
	return g.Wait()
}

func (d *OutboxDispatcher) publishLane(ctx context.Context, lane []outboxItem) error {
	for i, item := range lane {
		if item.decodeErr != nil {
			return d.markFailure(ctx, item.row, fmt.Sprintf("decode payload: %v", item.decodeErr))
		}
		if err := d.publisher.Publish(ctx, item.row.Topic, item.envelope); err != nil {
			d.log.Debug("publish failed",
				zap.String("event_id", item.row.EventID),
				zap.String("topic", item.row.Topic),
				zap.Int("attempt", item.row.Attempts+1),
				zap.Int("held_back", len(lane)-i-1),
				zap.Error(err))
			return d.markFailure(ctx, item.row, err.Error())
		}
		if err := d.repo.MarkDispatched(ctx, item.row.ID); err != nil {
			return err
		}
		d.published.Add(1)
		d.countType(item.envelope.EventType)
	}
	return nil
}

func (d *OutboxDispatcher) countType(eventType string) {
	v, _ := d.byType.LoadOrStore(eventType, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, event domain.OutboxEvent, errMsg string) error {
	attempts := event.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		if err := d.repo.MarkDead(ctx, event.ID, attempts, errMsg); err != nil {
			return err
		}
		d.log.Error("event dead-lettered",
			zap.String("event_id", event.EventID),
			zap.Int64("instance_id", event.InstanceID),
			zap.Int("attempts", attempts),
			zap.String("last_error", errMsg))
		d.deadLettered.Add(1)
		return nil
	}
	next := time.Now().UTC().Add(backoffDuration(attempts)).Format(time.RFC3339Nano)
	if err := d.repo.MarkFailed(ctx, event.ID, attempts, next, errMsg); err != nil {
		return err
	}
	d.retried.Add(1)
	return nil
}

func (d *OutboxDispatcher) Metrics() OutboxDispatcherMetrics {
	m := OutboxDispatcherMetrics{
		Published:    d.published.Load(),
		Retried:      d.retried.Load(),
		DeadLettered: d.deadLettered.Load(),
		ByType:       make(map[string]int64),
	}
	d.byType.Range(func(k, v any) bool {
		m.ByType[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return m
}

// backoffDuration grows quadratically with the attempt number, capped at
// five minutes.
func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
