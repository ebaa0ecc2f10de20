package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type countingSource struct {
	mu    sync.Mutex
	ts    int64
	adj   domain.Adjuncts
	loads atomic.Int32
}

func (s *countingSource) AdjunctsTimestamp(context.Context, int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts, nil
}

func (s *countingSource) LoadAdjuncts(context.Context, int64) (domain.Adjuncts, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	adj := s.adj
	adj.Timestamp = s.ts
	return adj, nil
}

func (s *countingSource) set(level domain.PermissionLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts++
	s.adj.FieldPermissions = []domain.FieldPermission{{ID: 1, InstanceID: 1, RoleID: 1, Model: domain.ModelPlot, Field: "width", Level: level}}
}

func TestAdjunctCacheReloadsOnlyWhenTimestampMoves(t *testing.T) {
	src := &countingSource{adj: domain.Adjuncts{Roles: []domain.Role{{ID: 1, InstanceID: 1, Name: "editor", DefaultLevel: domain.FullWrite}}}}
	src.set(domain.PendingWrite)
	cache := NewAdjunctCache(src, true)
	ctx := context.Background()

	for range 3 {
		level, ok, err := cache.FieldLevel(ctx, 1, 1, domain.ModelPlot, "width")
		if err != nil || !ok || level != domain.PendingWrite {
			t.Fatalf("unexpected level %s ok=%v err=%v", level, ok, err)
		}
	}
	if n := src.loads.Load(); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}

	src.set(domain.ReadOnly)
	level, _, err := cache.FieldLevel(ctx, 1, 1, domain.ModelPlot, "width")
	if err != nil || level != domain.ReadOnly {
		t.Fatalf("expected fresh level read_only, got %s err=%v", level, err)
	}
	if n := src.loads.Load(); n != 2 {
		t.Fatalf("expected a reload, got %d loads", n)
	}
}

func TestAdjunctCacheDisabledReadsThrough(t *testing.T) {
	src := &countingSource{}
	src.set(domain.FullWrite)
	cache := NewAdjunctCache(src, false)
	ctx := context.Background()
	for range 3 {
		if _, _, err := cache.FieldLevel(ctx, 1, 1, domain.ModelPlot, "width"); err != nil {
			t.Fatalf("field level: %v", err)
		}
	}
	if n := src.loads.Load(); n != 3 {
		t.Fatalf("expected 3 loads, got %d", n)
	}
}

func TestAdjunctCacheSeesCommittedPermissionChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	level, err := f.perms.FieldLevel(ctx, f.inst.ID, editorID, domain.ModelPlot, "address_city")
	if err != nil || level != domain.FullWrite {
		t.Fatalf("expected full_write, got %s err=%v", level, err)
	}
	f.grant(t, f.editor, domain.ModelPlot, "address_city", domain.Invisible)
	level, err = f.perms.FieldLevel(ctx, f.inst.ID, editorID, domain.ModelPlot, "address_city")
	if err != nil || level != domain.Invisible {
		t.Fatalf("expected invisible right after the write, got %s err=%v", level, err)
	}
}

func TestAdjunctCacheConcurrentReaders(t *testing.T) {
	src := &countingSource{}
	src.set(domain.FullWrite)
	cache := NewAdjunctCache(src, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := cache.FieldLevel(ctx, 1, 1, domain.ModelPlot, "width"); err != nil {
				t.Errorf("field level: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := src.loads.Load(); n > 16 {
		t.Fatalf("unexpected load count %d", n)
	}
}
