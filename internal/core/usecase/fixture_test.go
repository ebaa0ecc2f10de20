package usecase

import (
	"context"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/memstore"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

const (
	editorID      int64 = 1
	contributorID int64 = 2
	adminID       int64 = 99
	strangerID    int64 = 42
)

// adminOnly grants every admin action to the admin subject.
type adminOnly struct{}

func (adminOnly) Authorize(subject, _, _, _ string) (bool, error) {
	return subject == SubjectAdmin, nil
}

// featureFlags enables the features named "true" on the instance.
type featureFlags struct{}

func (featureFlags) Enabled(_ context.Context, inst domain.Instance, feature string) bool {
	return inst.Features[feature] == "true"
}

type fixture struct {
	store      *memstore.Store
	cache      *AdjunctCache
	perms      *PermissionService
	udfs       *UDFService
	auditable  *AuditableService
	moderation *ModerationService
	changelog  *ChangeLogService

	inst        domain.Instance
	public      domain.Role
	editor      domain.Role
	contributor domain.Role
}

func newFixture(t *testing.T, features ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memstore.New()
	cache := NewAdjunctCache(store, true)
	perms := NewPermissionService(store, cache, adminOnly{})
	udfs := NewUDFService(store, cache, perms, featureFlags{})
	auditable := NewAuditableService(store, perms, cache, udfs, nil)
	f := &fixture{
		store:      store,
		cache:      cache,
		perms:      perms,
		udfs:       udfs,
		auditable:  auditable,
		moderation: NewModerationService(store, auditable, perms, featureFlags{}),
		changelog:  NewChangeLogService(store, perms),
	}

	flags := make(map[string]string, len(features))
	for _, name := range features {
		flags[name] = "true"
	}
	inst, err := perms.CreateInstance(ctx, "city", flags, domain.Role{Name: "public", DefaultLevel: domain.ReadOnly})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	f.inst = inst
	f.public, err = cache.Role(ctx, inst.ID, inst.DefaultRoleID)
	if err != nil {
		t.Fatalf("load default role: %v", err)
	}
	f.editor, err = perms.CreateRole(ctx, SystemUserID, domain.Role{InstanceID: inst.ID, Name: "editor", DefaultLevel: domain.FullWrite})
	if err != nil {
		t.Fatalf("create editor role: %v", err)
	}
	f.contributor, err = perms.CreateRole(ctx, SystemUserID, domain.Role{InstanceID: inst.ID, Name: "contributor", DefaultLevel: domain.PendingWrite})
	if err != nil {
		t.Fatalf("create contributor role: %v", err)
	}
	for _, u := range []domain.InstanceUser{
		{InstanceID: inst.ID, UserID: editorID, RoleID: f.editor.ID},
		{InstanceID: inst.ID, UserID: contributorID, RoleID: f.contributor.ID},
		{InstanceID: inst.ID, UserID: adminID, RoleID: f.editor.ID, Admin: true},
	} {
		if err := perms.AssignUser(ctx, SystemUserID, u); err != nil {
			t.Fatalf("assign user %d: %v", u.UserID, err)
		}
	}
	return f
}

func (f *fixture) grant(t *testing.T, role domain.Role, model domain.ModelKind, field string, level domain.PermissionLevel) {
	t.Helper()
	_, err := f.perms.SetFieldPermission(context.Background(), SystemUserID, domain.FieldPermission{
		InstanceID: f.inst.ID,
		RoleID:     role.ID,
		Model:      model,
		Field:      field,
		Level:      level,
	})
	if err != nil {
		t.Fatalf("grant %s.%s=%s: %v", model, field, level, err)
	}
}

func (f *fixture) save(t *testing.T, userID int64, model domain.ModelKind, id int64, values map[string]domain.Value) domain.Record {
	t.Helper()
	rec, err := f.auditable.Save(context.Background(), domain.Record{InstanceID: f.inst.ID, Model: model, ID: id, Values: values}, userID)
	if err != nil {
		t.Fatalf("save %s %d: %v", model, id, err)
	}
	return rec
}

func (f *fixture) newPlot(t *testing.T, userID int64) domain.Record {
	t.Helper()
	return f.save(t, userID, domain.ModelPlot, 0, map[string]domain.Value{"geom": domain.PointAt(25.28, 54.68)})
}

func (f *fixture) history(t *testing.T, model domain.ModelKind, id int64) []domain.ChangeRecord {
	t.Helper()
	h, err := f.changelog.History(context.Background(), f.inst.ID, model, id)
	if err != nil {
		t.Fatalf("history %s %d: %v", model, id, err)
	}
	return h
}

func (f *fixture) allChanges(t *testing.T) []domain.ChangeRecord {
	t.Helper()
	items, err := f.store.ListChanges(context.Background(), domain.ChangeFilter{InstanceID: f.inst.ID, Limit: domain.MaxListLimit})
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	return items
}

func (f *fixture) pendingOf(t *testing.T, model domain.ModelKind, id int64, field string) domain.ChangeRecord {
	t.Helper()
	items, err := f.store.ListChanges(context.Background(), domain.ChangeFilter{
		InstanceID:  f.inst.ID,
		Model:       model,
		ModelID:     id,
		PendingOnly: true,
		Limit:       domain.MaxListLimit,
	})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, c := range items {
		if c.Field == field {
			return c
		}
	}
	t.Fatalf("no pending change for %s %d field %q", model, id, field)
	return domain.ChangeRecord{}
}

func onField(history []domain.ChangeRecord, field string) []domain.ChangeRecord {
	var out []domain.ChangeRecord
	for _, c := range history {
		if c.Field == field {
			out = append(out, c)
		}
	}
	return out
}
