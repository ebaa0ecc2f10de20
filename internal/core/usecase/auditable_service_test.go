package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

func TestPendingWriteFieldIsHeldUntilApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, f.editor, domain.ModelPlot, "width", domain.PendingWrite)

	plot := f.newPlot(t, editorID)
	saved := f.save(t, editorID, domain.ModelPlot, plot.ID, map[string]domain.Value{"width": domain.Int(5)})
	if !saved.Value("width").IsNull() {
		t.Fatalf("expected width to stay unset, got %s", saved.Value("width"))
	}

	widths := onField(f.history(t, domain.ModelPlot, plot.ID), "width")
	if len(widths) != 1 {
		t.Fatalf("expected one width change, got %d", len(widths))
	}
	pending := widths[0]
	if pending.Previous != nil || pending.Current == nil || *pending.Current != "5" || !pending.RequiresAuth {
		t.Fatalf("unexpected pending change: %+v", pending)
	}

	resolution, err := f.moderation.Resolve(ctx, f.inst.ID, pending.ID, adminID, true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolution.RefID == nil || *resolution.RefID != pending.ID || resolution.Action != domain.ActionPendingApprove {
		t.Fatalf("unexpected resolution: %+v", resolution)
	}

	got, err := f.auditable.Get(ctx, f.inst.ID, domain.ModelPlot, plot.ID, editorID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w := got.Value("width"); w.Kind() != domain.KindFloat || w.Float() != 5 {
		t.Fatalf("expected width 5.0, got %s", w)
	}
	if n := len(onField(f.history(t, domain.ModelPlot, plot.ID), "width")); n != 2 {
		t.Fatalf("expected 2 width changes, got %d", n)
	}
}

func TestDeleteWritesSingleDeleteRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plot := f.newPlot(t, editorID)

	if err := f.auditable.Delete(ctx, f.inst.ID, domain.ModelPlot, plot.ID, editorID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var deletes []domain.ChangeRecord
	for _, c := range f.history(t, domain.ModelPlot, plot.ID) {
		if c.Action == domain.ActionDelete {
			deletes = append(deletes, c)
		}
	}
	if len(deletes) != 1 {
		t.Fatalf("expected one delete record, got %d", len(deletes))
	}
	d := deletes[0]
	if d.Field != domain.FieldID || d.Previous == nil || *d.Previous != *domain.IDString(plot.ID) || d.Current != nil {
		t.Fatalf("unexpected delete record: %+v", d)
	}
	if _, err := f.store.GetRecord(ctx, f.inst.ID, domain.ModelPlot, plot.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected row to be removed, got %v", err)
	}
}

func TestDeleteRefusesReferencedPlot(t *testing.T) {
	f := newFixture(t)
	plot := f.newPlot(t, editorID)
	f.save(t, editorID, domain.ModelTree, 0, map[string]domain.Value{"plot": domain.Int(plot.ID)})

	err := f.auditable.Delete(context.Background(), f.inst.ID, domain.ModelPlot, plot.ID, editorID)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewUDFIsInvisibleToEveryRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plot := f.newPlot(t, editorID)

	def, err := f.udfs.Create(ctx, f.inst.ID, SystemUserID, domain.ModelTree, "Condition", domain.UDFDatatype{Type: domain.TypeChoice, Choices: []string{"good", "poor"}}, false)
	if err != nil {
		t.Fatalf("create udf: %v", err)
	}
	adj, err := f.store.LoadAdjuncts(ctx, f.inst.ID)
	if err != nil {
		t.Fatalf("load adjuncts: %v", err)
	}
	hidden := 0
	for _, p := range adj.FieldPermissions {
		if p.Model == domain.ModelTree && p.Field == def.FieldName() {
			if p.Level != domain.Invisible {
				t.Fatalf("expected invisible, got %s", p.Level)
			}
			hidden++
		}
	}
	if hidden != len(adj.Roles) {
		t.Fatalf("expected %d invisible rows, got %d", len(adj.Roles), hidden)
	}

	values := map[string]domain.Value{"plot": domain.Int(plot.ID), "udf:Condition": domain.String("good")}
	_, err = f.auditable.Save(ctx, domain.Record{InstanceID: f.inst.ID, Model: domain.ModelTree, Values: values}, editorID)
	var aerr *domain.AuthorizationError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	f.grant(t, f.editor, domain.ModelTree, "udf:Condition", domain.FullWrite)
	tree := f.save(t, editorID, domain.ModelTree, 0, values)
	if v := tree.Value("udf:Condition"); v.Str() != "good" {
		t.Fatalf("expected udf value good, got %s", v)
	}
}

func TestRejectedSaveWritesNoChangeRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, f.editor, domain.ModelPlot, "address_city", domain.ReadOnly)
	plot := f.newPlot(t, editorID)
	before := len(f.allChanges(t))

	_, err := f.auditable.Save(ctx, domain.Record{
		InstanceID: f.inst.ID,
		Model:      domain.ModelPlot,
		ID:         plot.ID,
		Values: map[string]domain.Value{
			"width":        domain.Float(3),
			"address_city": domain.String("Vilnius"),
		},
	}, editorID)
	var aerr *domain.AuthorizationError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if len(aerr.Fields) != 1 || aerr.Fields[0] != "address_city" {
		t.Fatalf("unexpected denied fields: %v", aerr.Fields)
	}
	if after := len(f.allChanges(t)); after != before {
		t.Fatalf("expected no new change records, got %d", after-before)
	}
	got, _ := f.store.GetRecord(ctx, f.inst.ID, domain.ModelPlot, plot.ID)
	if !got.Value("width").IsNull() {
		t.Fatalf("width must not be written on a rejected save")
	}
}

func TestUnassignedUserFallsBackToDefaultRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	level, err := f.perms.FieldLevel(ctx, f.inst.ID, strangerID, domain.ModelPlot, "width")
	if err != nil {
		t.Fatalf("field level: %v", err)
	}
	if level != domain.ReadOnly {
		t.Fatalf("expected read_only, got %s", level)
	}
	_, err = f.auditable.Save(ctx, domain.Record{InstanceID: f.inst.ID, Model: domain.ModelPlot, Values: map[string]domain.Value{"geom": domain.PointAt(1, 2)}}, strangerID)
	var aerr *domain.AuthorizationError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestSaveUnchangedValueWritesNothing(t *testing.T) {
	f := newFixture(t)
	plot := f.save(t, editorID, domain.ModelPlot, 0, map[string]domain.Value{"geom": domain.PointAt(1, 2), "width": domain.Float(5)})
	before := len(f.allChanges(t))

	f.save(t, editorID, domain.ModelPlot, plot.ID, map[string]domain.Value{"width": domain.Int(5), "address_street": domain.String("  ")})
	if after := len(f.allChanges(t)); after != before {
		t.Fatalf("expected no change records for equal values, got %d", after-before)
	}
}

func TestSaveValidatesValues(t *testing.T) {
	f := newFixture(t)
	_, err := f.auditable.Save(context.Background(), domain.Record{
		InstanceID: f.inst.ID,
		Model:      domain.ModelPlot,
		Values: map[string]domain.Value{
			"geom":    domain.PointAt(1, 2),
			"width":   domain.Float(-1),
			"unknown": domain.String("x"),
		},
	}, editorID)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := verr.Fields["width"]; !ok {
		t.Fatalf("expected width error, got %v", verr.Fields)
	}
	if _, ok := verr.Fields["unknown"]; !ok {
		t.Fatalf("expected unknown field error, got %v", verr.Fields)
	}
}

func TestGetHidesInvisibleFields(t *testing.T) {
	f := newFixture(t)
	f.grant(t, f.public, domain.ModelPlot, "owner_orig_id", domain.Invisible)
	plot := f.save(t, editorID, domain.ModelPlot, 0, map[string]domain.Value{"geom": domain.PointAt(1, 2), "owner_orig_id": domain.String("A-17")})

	got, err := f.auditable.Get(context.Background(), f.inst.ID, domain.ModelPlot, plot.ID, strangerID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.Values["owner_orig_id"]; ok {
		t.Fatalf("expected owner_orig_id to be hidden")
	}
	if got.Value("geom").IsNull() {
		t.Fatalf("expected geom to be visible")
	}
}

func TestBulkSaveResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	records := make([]domain.Record, 5)
	for i := range records {
		records[i] = domain.Record{InstanceID: f.inst.ID, Model: domain.ModelPlot, Values: map[string]domain.Value{"geom": domain.PointAt(float64(i), 1)}}
	}
	records[3].Values = map[string]domain.Value{"width": domain.Float(2)}

	res, err := f.auditable.BulkSave(ctx, "import-2024", records, editorID, 2)
	if err == nil {
		t.Fatalf("expected failure on record 3")
	}
	if res.Next != 2 || len(res.Saved) != 2 {
		t.Fatalf("expected first chunk committed, got next=%d saved=%d", res.Next, len(res.Saved))
	}
	cp, err := f.store.GetCheckpoint(ctx, "import-2024")
	if err != nil || cp.Next != 2 {
		t.Fatalf("expected checkpoint at 2, got %+v err=%v", cp, err)
	}

	records[3].Values = map[string]domain.Value{"geom": domain.PointAt(3, 1)}
	res, err = f.auditable.BulkSave(ctx, "import-2024", records, editorID, 2)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Start != 2 || res.Next != 5 || len(res.Saved) != 3 {
		t.Fatalf("unexpected resume result: %+v", res)
	}

	inserted := 0
	for _, c := range f.allChanges(t) {
		if c.Model == domain.ModelPlot && c.Field == domain.FieldID && c.Action == domain.ActionInsert {
			inserted++
		}
	}
	if inserted != 5 {
		t.Fatalf("expected 5 plots, got %d", inserted)
	}
}

func TestCollectionRowsFollowOwner(t *testing.T) {
	f := newFixture(t, FeatureCollectionUDFs)
	ctx := context.Background()
	def, err := f.udfs.Create(ctx, f.inst.ID, SystemUserID, domain.ModelPlot, "Inspections", domain.UDFDatatype{Fields: []domain.UDFSubfield{
		{Name: "action", Type: domain.TypeChoice, Choices: []string{"pruned", "watered"}},
		{Name: "date", Type: domain.TypeDate},
	}}, true)
	if err != nil {
		t.Fatalf("create collection udf: %v", err)
	}
	f.grant(t, f.editor, domain.ModelPlot, def.FieldName(), domain.FullWrite)

	plot := f.newPlot(t, editorID)
	row, err := f.auditable.Save(ctx, domain.Record{
		InstanceID: f.inst.ID,
		Model:      def.CollectionModel(),
		OwnerID:    plot.ID,
		Values:     map[string]domain.Value{"action": domain.String("pruned"), "date": domain.String("2024-05-01")},
	}, editorID)
	if err != nil {
		t.Fatalf("save collection row: %v", err)
	}
	if row.Value("date").Kind() != domain.KindDate {
		t.Fatalf("expected typed date, got %s", row.Value("date").Kind())
	}

	if err := f.auditable.Delete(ctx, f.inst.ID, domain.ModelPlot, plot.ID, editorID); err != nil {
		t.Fatalf("delete owner: %v", err)
	}
	if _, err := f.store.GetRecord(ctx, f.inst.ID, def.CollectionModel(), row.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected collection row to be removed, got %v", err)
	}
	rowDeletes := 0
	for _, c := range f.history(t, def.CollectionModel(), row.ID) {
		if c.Action == domain.ActionDelete {
			rowDeletes++
		}
	}
	if rowDeletes != 1 {
		t.Fatalf("expected one delete record for the collection row, got %d", rowDeletes)
	}
}

func TestUpdateRefusedWhileDeletePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plot := f.newPlot(t, editorID)
	if err := f.auditable.Delete(ctx, f.inst.ID, domain.ModelPlot, plot.ID, contributorID); err != nil {
		t.Fatalf("propose delete: %v", err)
	}

	_, err := f.auditable.Save(ctx, domain.Record{InstanceID: f.inst.ID, Model: domain.ModelPlot, ID: plot.ID, Values: map[string]domain.Value{"width": domain.Float(3)}}, editorID)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields[domain.FieldID]) == 0 {
		t.Fatalf("expected id validation error, got %v", err)
	}
	got, err := f.store.GetRecord(ctx, f.inst.ID, domain.ModelPlot, plot.ID)
	if err != nil || !got.Value("width").IsNull() {
		t.Fatalf("width must stay unset, got %+v err=%v", got, err)
	}
}
