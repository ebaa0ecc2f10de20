package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

func TestMutateRestoresSnapshotOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	boom := errors.New("boom")
	err := s.Mutate(ctx, func(tx ports.MutationTx) error {
		if err := tx.CreateInstance(&domain.Instance{Name: "city"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := s.FindInstance(ctx, "city"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("instance survived a failed mutation: %v", err)
	}
}

func TestFindInstanceIgnoresCase(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := domain.Instance{Name: "Vilnius"}
	if err := s.Mutate(ctx, func(tx ports.MutationTx) error { return tx.CreateInstance(&inst) }); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	got, err := s.FindInstance(ctx, "vilnius")
	if err != nil || got.ID != inst.ID {
		t.Fatalf("lookup by lower-case name: %+v err=%v", got, err)
	}
	dup := domain.Instance{Name: "VILNIUS"}
	err = s.Mutate(ctx, func(tx ports.MutationTx) error { return tx.CreateInstance(&dup) })
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestOutboxMaintenance(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Mutate(ctx, func(tx ports.MutationTx) error {
		for i, instanceID := range []int64{1, 1, 2} {
			if err := tx.Enqueue(domain.EventEnvelope{
				EventID:    "evt-" + string(rune('a'+i)),
				EventType:  domain.EventRecordSaved,
				InstanceID: instanceID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rows := s.Outbox()
	if err := s.MarkDispatched(ctx, rows[0].ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	for _, row := range rows[1:] {
		if err := s.MarkDead(ctx, row.ID, 5, "gone"); err != nil {
			t.Fatalf("mark dead: %v", err)
		}
	}

	stats, err := s.OutboxStats(ctx)
	if err != nil || stats != (domain.OutboxStats{Dispatched: 1, Dead: 2}) {
		t.Fatalf("unexpected stats %+v err=%v", stats, err)
	}

	n, err := s.RequeueDead(ctx, 2)
	if err != nil || n != 1 {
		t.Fatalf("expected one requeued event for instance 2, got %d err=%v", n, err)
	}
	pending, err := s.FetchPending(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].InstanceID != 2 || pending[0].Attempts != 0 {
		t.Fatalf("unexpected pending events %+v err=%v", pending, err)
	}

	if n, err := s.RequeueDead(ctx, 0); err != nil || n != 1 {
		t.Fatalf("expected the remaining dead event requeued, got %d err=%v", n, err)
	}
	if err := s.MarkDead(ctx, 999, 1, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}
