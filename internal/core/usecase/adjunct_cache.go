package usecase

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

// AdjunctCache keeps a per-instance in-process copy of roles, field
// permissions and UDF definitions. Every lookup compares the cached entry
// with the instance's adjuncts timestamp and rebuilds when they differ, so
// a reader never sees configuration older than the last committed write.
type AdjunctCache struct {
	source  ports.AdjunctSource
	enabled bool

	mu      sync.RWMutex
	entries map[int64]*adjunctEntry
	group   singleflight.Group
}

type permKey struct {
	roleID int64
	model  domain.ModelKind
}

type adjunctEntry struct {
	timestamp int64
	roles     map[int64]domain.Role
	roleList  []domain.Role
	perms     map[permKey]map[string]domain.PermissionLevel
	udfs      map[domain.ModelKind][]domain.UDFDefinition
	udfByID   map[int64]domain.UDFDefinition
}

// NewAdjunctCache returns a cache over source. When enabled is false every
// lookup reads through to source.
func NewAdjunctCache(source ports.AdjunctSource, enabled bool) *AdjunctCache {
	return &AdjunctCache{
		source:  source,
		enabled: enabled,
		entries: make(map[int64]*adjunctEntry),
	}
}

func buildEntry(adj domain.Adjuncts) *adjunctEntry {
	e := &adjunctEntry{
		timestamp: adj.Timestamp,
		roles:     make(map[int64]domain.Role, len(adj.Roles)),
		roleList:  append([]domain.Role(nil), adj.Roles...),
		perms:     make(map[permKey]map[string]domain.PermissionLevel),
		udfs:      make(map[domain.ModelKind][]domain.UDFDefinition),
		udfByID:   make(map[int64]domain.UDFDefinition, len(adj.UDFs)),
	}
	for _, r := range adj.Roles {
		e.roles[r.ID] = r
	}
	for _, p := range adj.FieldPermissions {
		k := permKey{roleID: p.RoleID, model: p.Model}
		if e.perms[k] == nil {
			e.perms[k] = make(map[string]domain.PermissionLevel)
		}
		e.perms[k][p.Field] = p.Level
	}
	for _, d := range adj.UDFs {
		e.udfs[d.Model] = append(e.udfs[d.Model], d)
		e.udfByID[d.ID] = d
	}
	return e
}

func (c *AdjunctCache) entry(ctx context.Context, instanceID int64) (*adjunctEntry, error) {
	if !c.enabled {
		adj, err := c.source.LoadAdjuncts(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		return buildEntry(adj), nil
	}

	ts, err := c.source.AdjunctsTimestamp(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	e := c.entries[instanceID]
	c.mu.RUnlock()
	if e != nil && e.timestamp == ts {
		return e, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(instanceID, 10), func() (any, error) {
		return c.rebuild(ctx, instanceID)
	})
	if err != nil {
		return nil, err
	}
	e = v.(*adjunctEntry)
	if e.timestamp < ts {
		// joined a rebuild that started before our write committed
		return c.rebuild(ctx, instanceID)
	}
	return e, nil
}

func (c *AdjunctCache) rebuild(ctx context.Context, instanceID int64) (*adjunctEntry, error) {
	adj, err := c.source.LoadAdjuncts(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	e := buildEntry(adj)
	c.mu.Lock()
	if cur := c.entries[instanceID]; cur == nil || cur.timestamp <= e.timestamp {
		c.entries[instanceID] = e
	}
	c.mu.Unlock()
	return e, nil
}

// Invalidate drops the cached entry of one instance.
func (c *AdjunctCache) Invalidate(instanceID int64) {
	c.mu.Lock()
	delete(c.entries, instanceID)
	c.mu.Unlock()
}

func (c *AdjunctCache) Role(ctx context.Context, instanceID, roleID int64) (domain.Role, error) {
	e, err := c.entry(ctx, instanceID)
	if err != nil {
		return domain.Role{}, err
	}
	r, ok := e.roles[roleID]
	if !ok {
		return domain.Role{}, domain.NotFound("role", roleID)
	}
	return r, nil
}

func (c *AdjunctCache) Roles(ctx context.Context, instanceID int64) ([]domain.Role, error) {
	e, err := c.entry(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Role(nil), e.roleList...), nil
}

// FieldLevel returns the explicit level for (role, model, field) and
// whether a row exists.
func (c *AdjunctCache) FieldLevel(ctx context.Context, instanceID, roleID int64, model domain.ModelKind, field string) (domain.PermissionLevel, bool, error) {
	e, err := c.entry(ctx, instanceID)
	if err != nil {
		return domain.Invisible, false, err
	}
	level, ok := e.perms[permKey{roleID: roleID, model: model}][field]
	return level, ok, nil
}

func (c *AdjunctCache) UDFs(ctx context.Context, instanceID int64, model domain.ModelKind) ([]domain.UDFDefinition, error) {
	e, err := c.entry(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defs := e.udfs[model]
	out := make([]domain.UDFDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (c *AdjunctCache) UDF(ctx context.Context, instanceID, defID int64) (domain.UDFDefinition, error) {
	e, err := c.entry(ctx, instanceID)
	if err != nil {
		return domain.UDFDefinition{}, err
	}
	d, ok := e.udfByID[defID]
	if !ok {
		return domain.UDFDefinition{}, domain.NotFound("udf", defID)
	}
	return d.Clone(), nil
}
