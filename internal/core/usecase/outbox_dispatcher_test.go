package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type outboxRepoStub struct {
	mu     sync.Mutex
	events []domain.OutboxEvent

	failed     []failedMark
	dead       []deadMark
	dispatched []int64
}

type failedMark struct {
	id       int64
	attempts int
	errMsg   string
}

type deadMark struct {
	id       int64
	attempts int
}

func (r *outboxRepoStub) FetchPending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var out []domain.OutboxEvent
	for _, e := range r.events {
		if e.Status != domain.OutboxPending || e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *outboxRepoStub) find(id int64) (*domain.OutboxEvent, error) {
	for i := range r.events {
		if r.events[i].ID == id {
			return &r.events[i], nil
		}
	}
	return nil, errors.New("unknown outbox id")
}

func (r *outboxRepoStub) MarkDispatched(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.find(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.Status, e.DispatchedAt = domain.OutboxDispatched, &now
	r.dispatched = append(r.dispatched, id)
	return nil
}

func (r *outboxRepoStub) MarkFailed(_ context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := time.Parse(time.RFC3339Nano, nextAttemptAt)
	if err != nil {
		return err
	}
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.Attempts, e.NextAttemptAt, e.LastError = attempts, next, errMsg
	r.failed = append(r.failed, failedMark{id: id, attempts: attempts, errMsg: errMsg})
	return nil
}

func (r *outboxRepoStub) MarkDead(_ context.Context, id int64, attempts int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.Status, e.Attempts, e.LastError = domain.OutboxDead, attempts, errMsg
	r.dead = append(r.dead, deadMark{id: id, attempts: attempts})
	return nil
}

// retryNow makes every pending event due again.
func (r *outboxRepoStub) retryNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		r.events[i].NextAttemptAt = time.Now().UTC().Add(-time.Second)
	}
}

type publisherStub struct {
	mu        sync.Mutex
	errByID   map[string]error
	published []string
}

func (p *publisherStub) Publish(_ context.Context, _ string, event domain.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errByID[event.EventID]; ok {
		return err
	}
	p.published = append(p.published, event.EventID)
	return nil
}

func outboxRow(t *testing.T, id int64, eventID, eventType string, model domain.ModelKind, modelID int64, attempts int) domain.OutboxEvent {
	t.Helper()
	env := domain.EventEnvelope{
		EventID:       eventID,
		EventType:     eventType,
		SchemaVersion: domain.CurrentEventSchemaVersion,
		InstanceID:    1,
		Model:         model,
		ModelID:       modelID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return domain.OutboxEvent{
		ID:            id,
		EventID:       eventID,
		InstanceID:    1,
		Topic:         env.Topic(),
		PayloadJSON:   payload,
		Status:        domain.OutboxPending,
		Attempts:      attempts,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
	}
}

func TestOutboxDispatcherPublishesAndCountsByType(t *testing.T) {
	repo := &outboxRepoStub{events: []domain.OutboxEvent{
		outboxRow(t, 1, "e1", domain.EventRecordSaved, domain.ModelPlot, 10, 0),
		outboxRow(t, 2, "e2", domain.EventRecordSaved, domain.ModelTree, 20, 0),
		outboxRow(t, 3, "e3", domain.EventChangeResolved, domain.ModelTree, 20, 0),
	}}
	pub := &publisherStub{}
	d := NewOutboxDispatcher(repo, pub, nil, DispatcherConfig{BatchSize: 10})

	if err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(repo.dispatched) != 3 {
		t.Fatalf("expected three dispatched events, got %v", repo.dispatched)
	}
	// e2 and e3 share a lane and keep their order
	if slices.Index(pub.published, "e2") > slices.Index(pub.published, "e3") {
		t.Fatalf("events of one feature published out of order: %v", pub.published)
	}
	m := d.Metrics()
	if m.Published != 3 || m.ByType[domain.EventRecordSaved] != 2 || m.ByType[domain.EventChangeResolved] != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestOutboxDispatcherFailureHoldsBackSameFeature(t *testing.T) {
	repo := &outboxRepoStub{events: []domain.OutboxEvent{
		outboxRow(t, 4, "e4", domain.EventRecordSaved, domain.ModelPlot, 10, 0),
		outboxRow(t, 5, "e5", domain.EventChangeResolved, domain.ModelPlot, 10, 0),
		outboxRow(t, 6, "e6", domain.EventRecordSaved, domain.ModelPlot, 11, 0),
	}}
	pub := &publisherStub{errByID: map[string]error{"e4": errors.New("publisher down")}}
	d := NewOutboxDispatcher(repo, pub, nil, DispatcherConfig{BatchSize: 10})

	if err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !slices.Equal(repo.dispatched, []int64{6}) {
		t.Fatalf("expected only the other feature dispatched, got %v", repo.dispatched)
	}
	if len(repo.failed) != 1 || repo.failed[0].id != 4 || repo.failed[0].attempts != 1 || repo.failed[0].errMsg != "publisher down" {
		t.Fatalf("unexpected failed marks %+v", repo.failed)
	}

	// a restarted dispatcher resumes where the first one stopped
	repo.retryNow()
	pub.errByID = nil
	d2 := NewOutboxDispatcher(repo, pub, nil, DispatcherConfig{BatchSize: 10})
	if err := d2.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if !slices.Equal(repo.dispatched, []int64{6, 4, 5}) {
		t.Fatalf("expected 4 then 5 after resume, got %v", repo.dispatched)
	}
}

func TestOutboxDispatcherRetryBudgetMovesToDead(t *testing.T) {
	repo := &outboxRepoStub{events: []domain.OutboxEvent{
		outboxRow(t, 7, "e7", domain.EventRecordDeleted, domain.ModelTree, 3, 2),
	}}
	pub := &publisherStub{errByID: map[string]error{"e7": errors.New("still failing")}}
	d := NewOutboxDispatcher(repo, pub, nil, DispatcherConfig{BatchSize: 10, MaxAttempts: 3})

	if err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(repo.dead) != 1 || repo.dead[0].attempts != 3 {
		t.Fatalf("expected dead mark with 3 attempts, got %+v", repo.dead)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("expected no retry once dead-lettered, got %+v", repo.failed)
	}
	if d.Metrics().DeadLettered != 1 {
		t.Fatalf("dead-letter not counted: %+v", d.Metrics())
	}
}

func TestOutboxDispatcherUndecodablePayload(t *testing.T) {
	bad := outboxRow(t, 8, "e8", domain.EventRecordSaved, domain.ModelPlot, 1, 0)
	bad.PayloadJSON = json.RawMessage(`{"event_id":`)
	repo := &outboxRepoStub{events: []domain.OutboxEvent{bad}}
	d := NewOutboxDispatcher(repo, &publisherStub{}, nil, DispatcherConfig{})

	if err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(repo.failed) != 1 || repo.failed[0].id != 8 {
		t.Fatalf("expected decode failure to be retried, got %+v", repo.failed)
	}
}

func TestBackoffDurationIsCapped(t *testing.T) {
	if backoffDuration(1) != time.Second {
		t.Fatalf("first retry should wait one second")
	}
	if backoffDuration(3) != 9*time.Second {
		t.Fatalf("unexpected backoff %v", backoffDuration(3))
	}
	if backoffDuration(100) != 5*time.Minute {
		t.Fatalf("backoff not capped: %v", backoffDuration(100))
	}
}
