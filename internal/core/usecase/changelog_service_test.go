package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(t)
	plot := f.newPlot(t, editorID)
	f.save(t, editorID, domain.ModelPlot, plot.ID, map[string]domain.Value{"width": domain.Float(1)})
	f.save(t, editorID, domain.ModelPlot, plot.ID, map[string]domain.Value{"width": domain.Float(2)})

	h := f.history(t, domain.ModelPlot, plot.ID)
	for i := 1; i < len(h); i++ {
		if h[i].CreatedAt.After(h[i-1].CreatedAt) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if *h[0].Current != "2" || *h[0].Previous != "1" {
		t.Fatalf("expected latest width change first, got %+v", h[0])
	}
}

func TestVisibleHistoryHidesPendingFromOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, f.editor, domain.ModelPlot, "width", domain.PendingWrite)
	plot := f.newPlot(t, editorID)
	f.save(t, editorID, domain.ModelPlot, plot.ID, map[string]domain.Value{"width": domain.Float(4)})

	count := func(viewerID int64) int {
		h, err := f.changelog.VisibleHistory(ctx, viewerID, f.inst.ID, domain.ModelPlot, plot.ID)
		if err != nil {
			t.Fatalf("visible history: %v", err)
		}
		return len(onField(h, "width"))
	}
	if n := count(editorID); n != 1 {
		t.Fatalf("author should see the proposal, got %d", n)
	}
	if n := count(adminID); n != 1 {
		t.Fatalf("admin should see the proposal, got %d", n)
	}
	if n := count(strangerID); n != 0 {
		t.Fatalf("stranger should not see the proposal, got %d", n)
	}
}

func TestListAuditsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plot := f.newPlot(t, editorID)
	f.save(t, editorID, domain.ModelTree, 0, map[string]domain.Value{"plot": domain.Int(plot.ID)})

	res, err := f.changelog.ListAudits(ctx, adminID, domain.ChangeFilter{InstanceID: f.inst.ID, Model: domain.ModelTree})
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(res.Items) != 2 || res.NextAfter != 0 {
		t.Fatalf("expected tree id and plot inserts on a final page, got %d next=%d", len(res.Items), res.NextAfter)
	}
	for _, c := range res.Items {
		if c.Model != domain.ModelTree {
			t.Fatalf("unexpected model %s", c.Model)
		}
	}

	page, err := f.changelog.ListAudits(ctx, adminID, domain.ChangeFilter{InstanceID: f.inst.ID, Limit: 1})
	if err != nil || len(page.Items) != 1 || page.NextAfter != page.Items[0].ID {
		t.Fatalf("expected a single item page with a cursor, got %+v err=%v", page, err)
	}
	next, err := f.changelog.ListAudits(ctx, adminID, domain.ChangeFilter{InstanceID: f.inst.ID, Limit: 10, AfterID: page.NextAfter})
	if err != nil {
		t.Fatalf("next page: %v", err)
	}
	for _, c := range next.Items {
		if c.ID >= page.NextAfter {
			t.Fatalf("page overlap: %d", c.ID)
		}
	}

	_, err = f.changelog.ListAudits(ctx, adminID, domain.ChangeFilter{InstanceID: f.inst.ID, Model: "Shrub"})
	if !errors.Is(err, domain.ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", err)
	}
}

func TestListAuditsCursorSurvivesHiddenPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plot := f.newPlot(t, editorID)
	f.save(t, contributorID, domain.ModelPlot, plot.ID, map[string]domain.Value{"width": domain.Float(3)})
	pending := f.pendingOf(t, domain.ModelPlot, plot.ID, "width")

	page, err := f.changelog.ListAudits(ctx, strangerID, domain.ChangeFilter{InstanceID: f.inst.ID, Limit: 1})
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(page.Items) != 0 || page.NextAfter != pending.ID {
		t.Fatalf("expected an empty page pointing past the pending change, got %+v", page)
	}
	rest, err := f.changelog.ListAudits(ctx, strangerID, domain.ChangeFilter{InstanceID: f.inst.ID, AfterID: page.NextAfter})
	if err != nil || len(rest.Items) == 0 {
		t.Fatalf("expected the committed plot insert after the hidden page, got %+v err=%v", rest, err)
	}
}
