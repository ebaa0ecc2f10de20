package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/usecase"
)

// File is a seed document describing instances and their configuration.
type File struct {
	Version   int        `yaml:"version"`
	Instances []Instance `yaml:"instances"`
}

type Instance struct {
	Name        string            `yaml:"name"`
	Features    map[string]string `yaml:"features"`
	DefaultRole Role              `yaml:"default_role"`
	Roles       []Role            `yaml:"roles"`
	Users       []User            `yaml:"users"`
	APIKeys     []APIKey          `yaml:"api_keys"`
	UDFs        []UDF             `yaml:"udfs"`
}

type Role struct {
	Name                string       `yaml:"name"`
	DefaultPermission   string       `yaml:"default_permission"`
	ReputationThreshold int          `yaml:"reputation_threshold"`
	Permissions         []Permission `yaml:"permissions"`
}

type Permission struct {
	Model string `yaml:"model"`
	Field string `yaml:"field"`
	Level string `yaml:"level"`
}

type User struct {
	UserID     int64  `yaml:"user_id"`
	Role       string `yaml:"role"`
	Admin      bool   `yaml:"admin"`
	Reputation int    `yaml:"reputation"`
}

// APIKey takes the plain token either inline or from an environment variable.
type APIKey struct {
	Name     string `yaml:"name"`
	UserID   int64  `yaml:"user_id"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

type UDF struct {
	Model        string             `yaml:"model"`
	Name         string             `yaml:"name"`
	Datatype     domain.UDFDatatype `yaml:"datatype"`
	IsCollection bool               `yaml:"iscollection"`
}

// Summary counts what one Apply call created or updated.
type Summary struct {
	Instances   int
	Roles       int
	Permissions int
	Users       int
	APIKeys     int
	UDFs        int
}

func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("parse seed file: %w", err)
	}
	if f.Version != 1 {
		return File{}, errors.New("seed: unsupported version")
	}
	for _, inst := range f.Instances {
		if strings.TrimSpace(inst.Name) == "" {
			return File{}, errors.New("seed: instance without name")
		}
	}
	return f, nil
}

type directory interface {
	FindInstance(ctx context.Context, name string) (domain.Instance, error)
	LoadAdjuncts(ctx context.Context, instanceID int64) (domain.Adjuncts, error)
}

// Seeder applies seed files through the use cases as the system user.
// Existing instances, roles and UDFs are kept; grants, users and keys are
// upserted, so a file may be applied on every start.
type Seeder struct {
	dir   directory
	perms *usecase.PermissionService
	udfs  *usecase.UDFService
	auth  *usecase.AuthService
	log   *zap.Logger
}

func NewSeeder(dir directory, perms *usecase.PermissionService, udfs *usecase.UDFService, auth *usecase.AuthService, log *zap.Logger) *Seeder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Seeder{dir: dir, perms: perms, udfs: udfs, auth: auth, log: log}
}

func (s *Seeder) Apply(ctx context.Context, f File) (Summary, error) {
	var sum Summary
	for _, spec := range f.Instances {
		if err := s.applyInstance(ctx, spec, &sum); err != nil {
			return sum, fmt.Errorf("seed instance %q: %w", spec.Name, err)
		}
	}
	s.log.Info("seed applied",
		zap.Int("instances", sum.Instances),
		zap.Int("roles", sum.Roles),
		zap.Int("permissions", sum.Permissions),
		zap.Int("users", sum.Users),
		zap.Int("api_keys", sum.APIKeys),
		zap.Int("udfs", sum.UDFs),
	)
	return sum, nil
}

func (s *Seeder) applyInstance(ctx context.Context, spec Instance, sum *Summary) error {
	if spec.DefaultRole.Name == "" {
		spec.DefaultRole.Name = "public"
	}
	inst, err := s.dir.FindInstance(ctx, spec.Name)
	switch {
	case err == nil:
		s.log.Debug("seed instance exists", zap.String("instance", inst.Name), zap.Int64("instance_id", inst.ID))
	case errors.Is(err, domain.ErrNotFound):
		def, err := toRole(spec.DefaultRole)
		if err != nil {
			return err
		}
		if inst, err = s.perms.CreateInstance(ctx, spec.Name, spec.Features, def); err != nil {
			return err
		}
		sum.Instances++
	default:
		return err
	}

	roleIDs, err := s.roleIDs(ctx, inst.ID)
	if err != nil {
		return err
	}
	roles := append([]Role{spec.DefaultRole}, spec.Roles...)
	for _, rs := range roles {
		if _, ok := roleIDs[rs.Name]; ok {
			continue
		}
		role, err := toRole(rs)
		if err != nil {
			return err
		}
		role.InstanceID = inst.ID
		created, err := s.perms.CreateRole(ctx, usecase.SystemUserID, role)
		if err != nil {
			return err
		}
		roleIDs[created.Name] = created.ID
		sum.Roles++
	}

	// a new UDF starts invisible to every role, so grants come after it exists
	for _, u := range spec.UDFs {
		_, err := s.udfs.Create(ctx, inst.ID, usecase.SystemUserID, domain.ModelKind(u.Model), u.Name, u.Datatype, u.IsCollection)
		switch {
		case err == nil:
			sum.UDFs++
		case errors.Is(err, domain.ErrAlreadyExists):
		default:
			return err
		}
	}

	for _, rs := range roles {
		for _, p := range rs.Permissions {
			level, err := domain.ParsePermissionLevel(p.Level)
			if err != nil {
				return fmt.Errorf("role %q: %w", rs.Name, err)
			}
			_, err = s.perms.SetFieldPermission(ctx, usecase.SystemUserID, domain.FieldPermission{
				InstanceID: inst.ID,
				RoleID:     roleIDs[rs.Name],
				Model:      domain.ModelKind(p.Model),
				Field:      p.Field,
				Level:      level,
			})
			if err != nil {
				return err
			}
			sum.Permissions++
		}
	}

	for _, u := range spec.Users {
		roleID, ok := roleIDs[u.Role]
		if !ok {
			return fmt.Errorf("user %d: unknown role %q", u.UserID, u.Role)
		}
		err := s.perms.AssignUser(ctx, usecase.SystemUserID, domain.InstanceUser{
			InstanceID: inst.ID,
			UserID:     u.UserID,
			RoleID:     roleID,
			Admin:      u.Admin,
			Reputation: u.Reputation,
		})
		if err != nil {
			return err
		}
		sum.Users++
	}

	for _, k := range spec.APIKeys {
		token := k.Token
		if k.TokenEnv != "" {
			token = os.Getenv(k.TokenEnv)
		}
		if token == "" {
			s.log.Warn("seed api key skipped: empty token", zap.String("key", k.Name), zap.String("token_env", k.TokenEnv))
			continue
		}
		if err := s.auth.RegisterKey(ctx, inst.ID, k.UserID, k.Name, token); err != nil {
			return err
		}
		sum.APIKeys++
	}

	return nil
}

func (s *Seeder) roleIDs(ctx context.Context, instanceID int64) (map[string]int64, error) {
	adj, err := s.dir.LoadAdjuncts(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(adj.Roles))
	for _, r := range adj.Roles {
		out[r.Name] = r.ID
	}
	return out, nil
}

func toRole(rs Role) (domain.Role, error) {
	raw := rs.DefaultPermission
	if raw == "" {
		raw = "read_only"
	}
	level, err := domain.ParsePermissionLevel(raw)
	if err != nil {
		return domain.Role{}, fmt.Errorf("role %q: %w", rs.Name, err)
	}
	return domain.Role{Name: rs.Name, DefaultLevel: level, ReputationThreshold: rs.ReputationThreshold}, nil
}
