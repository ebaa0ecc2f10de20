package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

func TestViewerFallsBackToDefaultRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.perms.Viewer(ctx, f.inst.ID, strangerID)
	if err != nil {
		t.Fatalf("viewer: %v", err)
	}
	if v.Role.ID != f.public.ID || v.Admin {
		t.Fatalf("stranger should get the default role, got %+v", v)
	}

	v, err = f.perms.Viewer(ctx, f.inst.ID, adminID)
	if err != nil {
		t.Fatalf("viewer: %v", err)
	}
	if v.Role.ID != f.editor.ID || !v.Admin {
		t.Fatalf("admin should keep its assigned role, got %+v", v)
	}
}

func TestExplicitPermissionOverridesRoleDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, f.editor, domain.ModelPlot, "width", domain.ReadOnly)

	cases := []struct {
		user  int64
		field string
		want  domain.PermissionLevel
	}{
		{editorID, "width", domain.ReadOnly},
		{editorID, "length", domain.FullWrite},
		{contributorID, "width", domain.PendingWrite},
		{strangerID, "width", domain.ReadOnly},
	}
	for _, tc := range cases {
		got, err := f.perms.FieldLevel(ctx, f.inst.ID, tc.user, domain.ModelPlot, tc.field)
		if err != nil {
			t.Fatalf("field level user %d %s: %v", tc.user, tc.field, err)
		}
		if got != tc.want {
			t.Fatalf("user %d on %s: got %s want %s", tc.user, tc.field, got, tc.want)
		}
	}

	// a later grant replaces the earlier one
	f.grant(t, f.editor, domain.ModelPlot, "width", domain.Invisible)
	got, err := f.perms.FieldLevel(ctx, f.inst.ID, editorID, domain.ModelPlot, "width")
	if err != nil || got != domain.Invisible {
		t.Fatalf("expected invisible after regrant, got %s err=%v", got, err)
	}
}

func TestRequireAdminActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.perms.Require(ctx, f.inst.ID, adminID, ObjectModeration, ActResolve); err != nil {
		t.Fatalf("admin should resolve: %v", err)
	}
	if err := f.perms.Require(ctx, f.inst.ID, SystemUserID, ObjectPermissions, ActManage); err != nil {
		t.Fatalf("system user should pass: %v", err)
	}
	for _, user := range []int64{editorID, strangerID} {
		err := f.perms.Require(ctx, f.inst.ID, user, ObjectModeration, ActResolve)
		var authErr *domain.AuthorizationError
		if !errors.As(err, &authErr) || authErr.UserID != user {
			t.Fatalf("user %d: expected authorization error, got %v", user, err)
		}
	}
}

func TestPermissionAdminValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.perms.SetFieldPermission(ctx, SystemUserID, domain.FieldPermission{
		InstanceID: f.inst.ID,
		RoleID:     f.editor.ID,
		Model:      domain.ModelPlot,
		Field:      "colour",
		Level:      domain.FullWrite,
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields["field"]) == 0 {
		t.Fatalf("expected field validation error, got %v", err)
	}

	_, err = f.perms.SetFieldPermission(ctx, editorID, domain.FieldPermission{
		InstanceID: f.inst.ID,
		RoleID:     f.editor.ID,
		Model:      domain.ModelPlot,
		Field:      "width",
		Level:      domain.FullWrite,
	})
	var authErr *domain.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("non-admin grant should be refused, got %v", err)
	}

	err = f.perms.AssignUser(ctx, SystemUserID, domain.InstanceUser{InstanceID: f.inst.ID, UserID: 0, RoleID: f.editor.ID})
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for user 0, got %v", err)
	}

	if _, err := f.perms.CreateRole(ctx, SystemUserID, domain.Role{InstanceID: f.inst.ID, Name: " ", DefaultLevel: domain.ReadOnly}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for blank role name, got %v", err)
	}
}

func TestGrantOnUDFRequiresDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant := domain.FieldPermission{
		InstanceID: f.inst.ID,
		RoleID:     f.editor.ID,
		Model:      domain.ModelTree,
		Field:      "udf:Condition",
		Level:      domain.FullWrite,
	}

	_, err := f.perms.SetFieldPermission(ctx, SystemUserID, grant)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields["field"]) == 0 {
		t.Fatalf("expected field validation error for undefined udf, got %v", err)
	}

	conditionUDF(t, f)
	if _, err := f.perms.SetFieldPermission(ctx, SystemUserID, grant); err != nil {
		t.Fatalf("grant after defining udf: %v", err)
	}
	// the definition belongs to Tree, not Plot
	grant.Model = domain.ModelPlot
	if _, err := f.perms.SetFieldPermission(ctx, SystemUserID, grant); !errors.As(err, &verr) {
		t.Fatalf("expected validation error on the wrong model, got %v", err)
	}
}
