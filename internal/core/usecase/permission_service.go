package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

// SystemUserID acts on behalf of operators (seed files, CLI). It passes
// every admin check and is never stored as an instance user.
const SystemUserID int64 = -1

const (
	SubjectAdmin  = "admin"
	SubjectMember = "member"

	ObjectModeration  = "moderation"
	ObjectUDF         = "udf"
	ObjectPermissions = "permissions"

	ActResolve = "resolve"
	ActManage  = "manage"
)

// Viewer is a caller resolved against one instance.
type Viewer struct {
	InstanceID int64
	UserID     int64
	Role       domain.Role
	Admin      bool
}

type PermissionService struct {
	store ports.Store
	cache *AdjunctCache
	authz ports.ActionAuthorizer
}

func NewPermissionService(store ports.Store, cache *AdjunctCache, authz ports.ActionAuthorizer) *PermissionService {
	return &PermissionService{store: store, cache: cache, authz: authz}
}

// Viewer resolves the caller's role: the instance user's role, otherwise
// the instance default role.
func (s *PermissionService) Viewer(ctx context.Context, instanceID, userID int64) (Viewer, error) {
	v := Viewer{InstanceID: instanceID, UserID: userID}
	var roleID int64
	iu, err := s.store.GetInstanceUser(ctx, instanceID, userID)
	switch {
	case err == nil:
		roleID = iu.RoleID
		v.Admin = iu.Admin
	case errors.Is(err, domain.ErrNotFound):
		inst, err := s.store.GetInstance(ctx, instanceID)
		if err != nil {
			return Viewer{}, err
		}
		roleID = inst.DefaultRoleID
	default:
		return Viewer{}, err
	}
	role, err := s.cache.Role(ctx, instanceID, roleID)
	if err != nil {
		return Viewer{}, fmt.Errorf("resolve role for user %d: %w", userID, err)
	}
	v.Role = role
	return v, nil
}

// Level returns the permission the viewer holds on one field. An explicit
// field permission row wins; otherwise the role default applies.
func (s *PermissionService) Level(ctx context.Context, v Viewer, model domain.ModelKind, field string) (domain.PermissionLevel, error) {
	model, field, err := s.permissionTarget(ctx, v.InstanceID, model, field)
	if err != nil {
		return domain.Invisible, err
	}
	level, ok, err := s.cache.FieldLevel(ctx, v.InstanceID, v.Role.ID, model, field)
	if err != nil {
		return domain.Invisible, err
	}
	if ok {
		return level, nil
	}
	return v.Role.DefaultLevel, nil
}

func (s *PermissionService) Levels(ctx context.Context, v Viewer, model domain.ModelKind, fields []string) (map[string]domain.PermissionLevel, error) {
	out := make(map[string]domain.PermissionLevel, len(fields))
	for _, f := range fields {
		level, err := s.Level(ctx, v, model, f)
		if err != nil {
			return nil, err
		}
		out[f] = level
	}
	return out, nil
}

// FieldLevel resolves the level of one user on one field.
func (s *PermissionService) FieldLevel(ctx context.Context, instanceID, userID int64, model domain.ModelKind, field string) (domain.PermissionLevel, error) {
	v, err := s.Viewer(ctx, instanceID, userID)
	if err != nil {
		return domain.Invisible, err
	}
	return s.Level(ctx, v, model, field)
}

// permissionTarget maps collection rows onto the owner model's UDF field.
func (s *PermissionService) permissionTarget(ctx context.Context, instanceID int64, model domain.ModelKind, field string) (domain.ModelKind, string, error) {
	defID, ok := domain.ParseCollectionModel(model)
	if !ok {
		return model, field, nil
	}
	def, err := s.cache.UDF(ctx, instanceID, defID)
	if err != nil {
		return "", "", err
	}
	return def.Model, def.FieldName(), nil
}

// Require checks a coarse admin action through the action authorizer.
func (s *PermissionService) Require(ctx context.Context, instanceID, userID int64, object, action string) error {
	if userID == SystemUserID {
		return nil
	}
	subject := SubjectMember
	iu, err := s.store.GetInstanceUser(ctx, instanceID, userID)
	switch {
	case err == nil:
		if iu.Admin {
			subject = SubjectAdmin
		}
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}
	allowed, err := s.authz.Authorize(subject, strconv.FormatInt(instanceID, 10), object, action)
	if err != nil {
		return fmt.Errorf("authorize %s %s: %w", object, action, err)
	}
	if !allowed {
		return &domain.AuthorizationError{InstanceID: instanceID, UserID: userID, Op: action + " " + object}
	}
	return nil
}

func (s *PermissionService) CreateInstance(ctx context.Context, name string, features map[string]string, defaultRole domain.Role) (domain.Instance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Instance{}, domain.FieldError("name", "is required")
	}
	if !defaultRole.DefaultLevel.Valid() {
		return domain.Instance{}, domain.FieldError("default_permission", "invalid level")
	}
	inst := domain.Instance{Name: name, Features: features}
	err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		if err := tx.CreateInstance(&inst); err != nil {
			return err
		}
		defaultRole.InstanceID = inst.ID
		if err := tx.CreateRole(&defaultRole); err != nil {
			return err
		}
		inst.DefaultRoleID = defaultRole.ID
		return tx.SetDefaultRole(inst.ID, defaultRole.ID)
	})
	if err != nil {
		return domain.Instance{}, fmt.Errorf("create instance %q: %w", name, err)
	}
	return inst, nil
}

func (s *PermissionService) CreateRole(ctx context.Context, actorID int64, role domain.Role) (domain.Role, error) {
	if err := s.Require(ctx, role.InstanceID, actorID, ObjectPermissions, ActManage); err != nil {
		return domain.Role{}, err
	}
	role.Name = strings.TrimSpace(role.Name)
	verr := domain.NewValidationError()
	if role.Name == "" {
		verr.Add("name", "is required")
	}
	if !role.DefaultLevel.Valid() {
		verr.Add("default_permission", "invalid level")
	}
	if err := verr.ErrOrNil(); err != nil {
		return domain.Role{}, err
	}
	err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		if err := tx.CreateRole(&role); err != nil {
			return err
		}
		// existing UDFs stay hidden from the new role until granted
		defs, err := tx.ListUDFs(role.InstanceID)
		if err != nil {
			return err
		}
		for _, d := range defs {
			fp := domain.FieldPermission{InstanceID: role.InstanceID, RoleID: role.ID, Model: d.Model, Field: d.FieldName(), Level: domain.Invisible}
			if err := tx.UpsertFieldPermission(&fp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Role{}, fmt.Errorf("create role %q: %w", role.Name, err)
	}
	return role, nil
}

func (s *PermissionService) SetFieldPermission(ctx context.Context, actorID int64, fp domain.FieldPermission) (domain.FieldPermission, error) {
	if err := s.Require(ctx, fp.InstanceID, actorID, ObjectPermissions, ActManage); err != nil {
		return domain.FieldPermission{}, err
	}
	verr := domain.NewValidationError()
	if !fp.Level.Valid() {
		verr.Add("permission_level", "invalid level")
	}
	spec, ok := domain.LookupModel(fp.Model)
	switch {
	case !ok:
		verr.Add("model", fmt.Sprintf("unknown model %q", fp.Model))
	default:
		known := false
		if _, isUDF := domain.IsUDFField(fp.Field); isUDF {
			defs, err := s.cache.UDFs(ctx, fp.InstanceID, fp.Model)
			if err != nil {
				return domain.FieldPermission{}, err
			}
			known = slices.ContainsFunc(defs, func(d domain.UDFDefinition) bool { return d.FieldName() == fp.Field })
		} else {
			_, known = spec.Field(fp.Field)
		}
		if !known {
			verr.Add("field", fmt.Sprintf("unknown field %q on %s", fp.Field, fp.Model))
		}
	}
	if err := verr.ErrOrNil(); err != nil {
		return domain.FieldPermission{}, err
	}
	err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		return tx.UpsertFieldPermission(&fp)
	})
	if err != nil {
		return domain.FieldPermission{}, fmt.Errorf("set field permission %s.%s: %w", fp.Model, fp.Field, err)
	}
	return fp, nil
}

func (s *PermissionService) AssignUser(ctx context.Context, actorID int64, user domain.InstanceUser) error {
	if err := s.Require(ctx, user.InstanceID, actorID, ObjectPermissions, ActManage); err != nil {
		return err
	}
	if user.UserID <= 0 {
		return domain.FieldError("user_id", "must be positive")
	}
	err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		return tx.UpsertInstanceUser(user)
	})
	if err != nil {
		return fmt.Errorf("assign user %d: %w", user.UserID, err)
	}
	return nil
}
