package bootstrap

import (
	"context"
	"testing"

	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/authz"
	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/features"
	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/memstore"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/usecase"
)

const seedYAML = `
version: 1
instances:
  - name: city
    features:
      collection_udfs: "true"
    default_role:
      name: public
      default_permission: read_only
    roles:
      - name: editor
        default_permission: full_write
        permissions:
          - {model: Tree, field: "udf:Condition", level: full_write}
          - {model: Plot, field: width, level: pending_write}
    users:
      - {user_id: 7, role: editor, admin: true}
    api_keys:
      - {name: ops, user_id: 7, token_env: TREEAUDIT_TEST_SEED_TOKEN}
      - {name: unset, user_id: 7, token_env: TREEAUDIT_TEST_SEED_MISSING}
    udfs:
      - model: Tree
        name: Condition
        datatype:
          type: choice
          choices: [good, poor]
`

type seedEnv struct {
	store *memstore.Store
	perms *usecase.PermissionService
	auth  *usecase.AuthService
	seed  *Seeder
}

func newSeedEnv(t *testing.T) seedEnv {
	t.Helper()
	store := memstore.New()
	cache := usecase.NewAdjunctCache(store, true)
	az, err := authz.NewAuthorizer("", authz.ModeEnforce, nil)
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	gate, err := features.NewCELGate(nil)
	if err != nil {
		t.Fatalf("feature gate: %v", err)
	}
	perms := usecase.NewPermissionService(store, cache, az)
	udfs := usecase.NewUDFService(store, cache, perms, gate)
	auth := usecase.NewAuthService(store, store)
	return seedEnv{store: store, perms: perms, auth: auth, seed: NewSeeder(store, perms, udfs, auth, nil)}
}

func TestApplySeedIsRepeatable(t *testing.T) {
	t.Setenv("TREEAUDIT_TEST_SEED_TOKEN", "seed-token-000000001")
	ctx := context.Background()
	env := newSeedEnv(t)

	f, err := Parse([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sum, err := env.seed.Apply(ctx, f)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	want := Summary{Instances: 1, Roles: 1, Permissions: 2, Users: 1, APIKeys: 1, UDFs: 1}
	if sum != want {
		t.Fatalf("unexpected first summary %+v", sum)
	}

	sum, err = env.seed.Apply(ctx, f)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if sum.Instances != 0 || sum.Roles != 0 || sum.UDFs != 0 {
		t.Fatalf("second apply created objects: %+v", sum)
	}

	inst, err := env.store.FindInstance(ctx, "city")
	if err != nil {
		t.Fatalf("find instance: %v", err)
	}
	adj, err := env.store.LoadAdjuncts(ctx, inst.ID)
	if err != nil {
		t.Fatalf("load adjuncts: %v", err)
	}
	if len(adj.Roles) != 2 || len(adj.UDFs) != 1 {
		t.Fatalf("expected 2 roles and 1 udf, got %d and %d", len(adj.Roles), len(adj.UDFs))
	}

	level, err := env.perms.FieldLevel(ctx, inst.ID, 7, domain.ModelTree, "udf:Condition")
	if err != nil || level != domain.FullWrite {
		t.Fatalf("editor udf level: %v %v", level, err)
	}
	level, err = env.perms.FieldLevel(ctx, inst.ID, 8, domain.ModelTree, "udf:Condition")
	if err != nil || level != domain.Invisible {
		t.Fatalf("public udf level: %v %v", level, err)
	}
	level, err = env.perms.FieldLevel(ctx, inst.ID, 7, domain.ModelPlot, "width")
	if err != nil || level != domain.PendingWrite {
		t.Fatalf("editor width level: %v %v", level, err)
	}

	p, err := env.auth.Authenticate(ctx, "seed-token-000000001")
	if err != nil {
		t.Fatalf("authenticate seeded key: %v", err)
	}
	if p.InstanceID != inst.ID || p.UserID != 7 || p.KeyName != "ops" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestApplySeedUnknownRole(t *testing.T) {
	env := newSeedEnv(t)
	f, err := Parse([]byte(`
version: 1
instances:
  - name: town
    users:
      - {user_id: 3, role: ghost}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := env.seed.Apply(context.Background(), f); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestParseRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"version":  "version: 2\ninstances: []\n",
		"no name":  "version: 1\ninstances:\n  - features: {}\n",
		"bad yaml": "version: [1\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
}
