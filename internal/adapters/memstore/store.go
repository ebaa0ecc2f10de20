package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

// Store is a thread-safe in-memory implementation of ports.Store.
// Mutations run under the write lock against a snapshot that is restored
// when the callback fails.
type Store struct {
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

type userKey struct {
	instanceID int64
	userID     int64
}

type state struct {
	seq         map[string]int64
	instances   map[int64]domain.Instance
	roles       map[int64]domain.Role
	permissions map[int64]domain.FieldPermission
	users       map[userKey]domain.InstanceUser
	udfs        map[int64]domain.UDFDefinition
	records     map[int64]domain.Record
	changes     []domain.ChangeRecord
	resolvedBy  map[int64]int64
	outbox      []domain.OutboxEvent
	apiKeys     map[string]domain.APIKey
	checkpoints map[string]domain.Checkpoint
}

func newState() *state {
	return &state{
		seq:         make(map[string]int64),
		instances:   make(map[int64]domain.Instance),
		roles:       make(map[int64]domain.Role),
		permissions: make(map[int64]domain.FieldPermission),
		users:       make(map[userKey]domain.InstanceUser),
		udfs:        make(map[int64]domain.UDFDefinition),
		records:     make(map[int64]domain.Record),
		resolvedBy:  make(map[int64]int64),
		apiKeys:     make(map[string]domain.APIKey),
		checkpoints: make(map[string]domain.Checkpoint),
	}
}

func New() *Store {
	return &Store{state: newState(), now: func() time.Time { return time.Now().UTC() }}
}

var _ ports.Store = (*Store)(nil)
var _ ports.APIKeyRepository = (*Store)(nil)
var _ ports.OutboxRepository = (*Store)(nil)
var _ ports.OutboxMaintenance = (*Store)(nil)

// clone deep-copies the mutable parts of the state.
// It MUST be called while holding s.mu.
func (st *state) clone() *state {
	out := newState()
	for k, v := range st.seq {
		out.seq[k] = v
	}
	for k, v := range st.instances {
		v.Features = cloneFeatures(v.Features)
		out.instances[k] = v
	}
	for k, v := range st.roles {
		out.roles[k] = v
	}
	for k, v := range st.permissions {
		out.permissions[k] = v
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	for k, v := range st.udfs {
		out.udfs[k] = v.Clone()
	}
	for k, v := range st.records {
		out.records[k] = v.Clone()
	}
	out.changes = append([]domain.ChangeRecord(nil), st.changes...)
	for k, v := range st.resolvedBy {
		out.resolvedBy[k] = v
	}
	out.outbox = append([]domain.OutboxEvent(nil), st.outbox...)
	for k, v := range st.apiKeys {
		out.apiKeys[k] = v
	}
	for k, v := range st.checkpoints {
		out.checkpoints[k] = v
	}
	return out
}

func (st *state) next(table string) int64 {
	st.seq[table]++
	return st.seq[table]
}

func (s *Store) Mutate(ctx context.Context, fn func(tx ports.MutationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&mutationTx{st: s.state, now: s.now()}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) GetRecord(_ context.Context, instanceID int64, model domain.ModelKind, id int64) (domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.record(instanceID, model, id)
}

func (st *state) record(instanceID int64, model domain.ModelKind, id int64) (domain.Record, error) {
	rec, ok := st.records[id]
	if !ok || rec.InstanceID != instanceID || rec.Model != model {
		return domain.Record{}, domain.NotFound(string(model), id)
	}
	return rec.Clone(), nil
}

func (s *Store) History(_ context.Context, instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ChangeRecord, 0)
	for _, c := range s.state.changes {
		if c.InstanceID == instanceID && c.Model == model && c.ModelID == modelID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) ListChanges(_ context.Context, filter domain.ChangeFilter) ([]domain.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := domain.ClampLimit(filter.Limit)
	out := make([]domain.ChangeRecord, 0, limit)
	for i := len(s.state.changes) - 1; i >= 0 && len(out) < limit; i-- {
		c := s.state.changes[i]
		if c.InstanceID != filter.InstanceID {
			continue
		}
		if filter.AfterID > 0 && c.ID >= filter.AfterID {
			continue
		}
		if filter.Model != "" && c.Model != filter.Model {
			continue
		}
		if filter.ModelID > 0 && c.ModelID != filter.ModelID {
			continue
		}
		if filter.UserID != nil && c.UserID != *filter.UserID {
			continue
		}
		if filter.Action != 0 && c.Action != filter.Action {
			continue
		}
		if filter.PendingOnly {
			if !c.AwaitsModeration() {
				continue
			}
			if _, resolved := s.state.resolvedBy[c.ID]; resolved {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) GetChange(_ context.Context, instanceID, id int64) (domain.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.change(instanceID, id)
}

func (st *state) change(instanceID, id int64) (domain.ChangeRecord, error) {
	if id <= 0 || id > int64(len(st.changes)) {
		return domain.ChangeRecord{}, domain.NotFound("change", id)
	}
	c := st.changes[id-1]
	if c.InstanceID != instanceID {
		return domain.ChangeRecord{}, domain.NotFound("change", id)
	}
	return c, nil
}

func (s *Store) AdjunctsTimestamp(_ context.Context, instanceID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.state.instances[instanceID]
	if !ok {
		return 0, domain.NotFound("instance", instanceID)
	}
	return inst.AdjunctsTimestamp, nil
}

func (s *Store) LoadAdjuncts(_ context.Context, instanceID int64) (domain.Adjuncts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.state.instances[instanceID]
	if !ok {
		return domain.Adjuncts{}, domain.NotFound("instance", instanceID)
	}
	adj := domain.Adjuncts{Timestamp: inst.AdjunctsTimestamp}
	adj.Roles = s.state.listRoles(instanceID)
	for _, p := range s.state.permissions {
		if p.InstanceID == instanceID {
			adj.FieldPermissions = append(adj.FieldPermissions, p)
		}
	}
	sort.Slice(adj.FieldPermissions, func(i, j int) bool { return adj.FieldPermissions[i].ID < adj.FieldPermissions[j].ID })
	adj.UDFs = s.state.listUDFs(instanceID)
	return adj, nil
}

func (s *Store) GetInstance(_ context.Context, id int64) (domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.state.instances[id]
	if !ok {
		return domain.Instance{}, domain.NotFound("instance", id)
	}
	inst.Features = cloneFeatures(inst.Features)
	return inst, nil
}

func (s *Store) FindInstance(_ context.Context, name string) (domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.state.instances {
		if strings.EqualFold(inst.Name, name) {
			inst.Features = cloneFeatures(inst.Features)
			return inst, nil
		}
	}
	return domain.Instance{}, domain.NotFound("instance", name)
}

func (s *Store) GetInstanceUser(_ context.Context, instanceID, userID int64) (domain.InstanceUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.users[userKey{instanceID, userID}]
	if !ok {
		return domain.InstanceUser{}, domain.NotFound("instance user", userID)
	}
	return u, nil
}

func (s *Store) GetCheckpoint(_ context.Context, key string) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.state.checkpoints[key]
	if !ok {
		return domain.Checkpoint{}, domain.NotFound("checkpoint", key)
	}
	return cp, nil
}

func (s *Store) FindByTokenHash(_ context.Context, tokenHash string) (domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.state.apiKeys[tokenHash]
	if !ok || !key.Active {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return key, nil
}

func (s *Store) FetchPending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]domain.OutboxEvent, 0, limit)
	for _, ev := range s.state.outbox {
		if ev.Status != domain.OutboxPending || ev.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkDispatched(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(ev *domain.OutboxEvent) {
		now := s.now()
		ev.Status = domain.OutboxDispatched
		ev.DispatchedAt = &now
	})
}

func (s *Store) MarkFailed(_ context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error {
	next, err := time.Parse(time.RFC3339Nano, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("parse next attempt: %w", err)
	}
	return s.updateOutbox(id, func(ev *domain.OutboxEvent) {
		ev.Attempts = attempts
		ev.NextAttemptAt = next
		ev.LastError = errMsg
	})
}

func (s *Store) MarkDead(_ context.Context, id int64, attempts int, errMsg string) error {
	return s.updateOutbox(id, func(ev *domain.OutboxEvent) {
		ev.Status = domain.OutboxDead
		ev.Attempts = attempts
		ev.LastError = errMsg
	})
}

func (s *Store) updateOutbox(id int64, fn func(ev *domain.OutboxEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		if s.state.outbox[i].ID == id {
			fn(&s.state.outbox[i])
			return nil
		}
	}
	return domain.NotFound("outbox event", id)
}

func (s *Store) OutboxStats(_ context.Context) (domain.OutboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st domain.OutboxStats
	for _, ev := range s.state.outbox {
		switch ev.Status {
		case domain.OutboxPending:
			st.Pending++
		case domain.OutboxDispatched:
			st.Dispatched++
		case domain.OutboxDead:
			st.Dead++
		}
	}
	return st, nil
}

func (s *Store) RequeueDead(_ context.Context, instanceID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for i := range s.state.outbox {
		ev := &s.state.outbox[i]
		if ev.Status != domain.OutboxDead || (instanceID != 0 && ev.InstanceID != instanceID) {
			continue
		}
		ev.Status, ev.Attempts, ev.NextAttemptAt = domain.OutboxPending, 0, now
		n++
	}
	return n, nil
}

// Outbox returns a copy of every queued event.
func (s *Store) Outbox() []domain.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OutboxEvent(nil), s.state.outbox...)
}

func (st *state) listRoles(instanceID int64) []domain.Role {
	out := make([]domain.Role, 0)
	for _, r := range st.roles {
		if r.InstanceID == instanceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *state) listUDFs(instanceID int64) []domain.UDFDefinition {
	out := make([]domain.UDFDefinition, 0)
	for _, d := range st.udfs {
		if d.InstanceID == instanceID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *state) bump(instanceID int64) error {
	inst, ok := st.instances[instanceID]
	if !ok {
		return domain.NotFound("instance", instanceID)
	}
	inst.AdjunctsTimestamp++
	st.instances[instanceID] = inst
	return nil
}

type mutationTx struct {
	st  *state
	now time.Time
}

func (tx *mutationTx) GetRecord(instanceID int64, model domain.ModelKind, id int64) (domain.Record, error) {
	return tx.st.record(instanceID, model, id)
}

func (tx *mutationTx) ListRecords(instanceID int64, model domain.ModelKind) ([]domain.Record, error) {
	return tx.filterRecords(func(r domain.Record) bool {
		return r.InstanceID == instanceID && r.Model == model
	}), nil
}

func (tx *mutationTx) ListOwnedRecords(instanceID int64, model domain.ModelKind, ownerID int64) ([]domain.Record, error) {
	return tx.filterRecords(func(r domain.Record) bool {
		return r.InstanceID == instanceID && r.Model == model && r.OwnerID == ownerID
	}), nil
}

func (tx *mutationTx) CountReferencing(instanceID int64, model domain.ModelKind, field string, id int64) (int, error) {
	refs := tx.filterRecords(func(r domain.Record) bool {
		if r.InstanceID != instanceID || r.Model != model {
			return false
		}
		v := r.Values[field]
		return v.IsNumeric() && v.Int() == id
	})
	return len(refs), nil
}

func (tx *mutationTx) filterRecords(keep func(domain.Record) bool) []domain.Record {
	out := make([]domain.Record, 0)
	for _, r := range tx.st.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *mutationTx) InsertRecord(rec *domain.Record) error {
	if _, ok := tx.st.instances[rec.InstanceID]; !ok {
		return domain.NotFound("instance", rec.InstanceID)
	}
	rec.ID = tx.st.next("features")
	rec.CreatedAt = tx.now
	rec.UpdatedAt = tx.now
	tx.st.records[rec.ID] = rec.Clone()
	return nil
}

func (tx *mutationTx) UpdateRecord(rec domain.Record) error {
	cur, err := tx.st.record(rec.InstanceID, rec.Model, rec.ID)
	if err != nil {
		return err
	}
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = tx.now
	tx.st.records[rec.ID] = rec.Clone()
	return nil
}

func (tx *mutationTx) DeleteRecord(instanceID int64, model domain.ModelKind, id int64) error {
	if _, err := tx.st.record(instanceID, model, id); err != nil {
		return err
	}
	delete(tx.st.records, id)
	return nil
}

func (tx *mutationTx) AppendChange(change *domain.ChangeRecord) error {
	if change.RefID != nil {
		if _, err := tx.st.change(change.InstanceID, *change.RefID); err != nil {
			return err
		}
		if _, taken := tx.st.resolvedBy[*change.RefID]; taken {
			return domain.ErrAlreadyResolved
		}
	}
	change.ID = int64(len(tx.st.changes)) + 1
	if change.CreatedAt.IsZero() {
		change.CreatedAt = tx.now
	}
	tx.st.changes = append(tx.st.changes, *change)
	if change.RefID != nil {
		tx.st.resolvedBy[*change.RefID] = change.ID
	}
	return nil
}

func (tx *mutationTx) GetChange(instanceID, id int64) (domain.ChangeRecord, error) {
	return tx.st.change(instanceID, id)
}

func (tx *mutationTx) ResolutionOf(instanceID, pendingID int64) (domain.ChangeRecord, error) {
	id, ok := tx.st.resolvedBy[pendingID]
	if !ok {
		return domain.ChangeRecord{}, domain.NotFound("resolution", pendingID)
	}
	return tx.st.change(instanceID, id)
}

func (tx *mutationTx) Unresolved(instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error) {
	out := make([]domain.ChangeRecord, 0)
	for _, c := range tx.st.changes {
		if c.InstanceID != instanceID || c.Model != model || c.ModelID != modelID || !c.AwaitsModeration() {
			continue
		}
		if _, resolved := tx.st.resolvedBy[c.ID]; resolved {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (tx *mutationTx) Enqueue(event domain.EventEnvelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	tx.st.outbox = append(tx.st.outbox, domain.OutboxEvent{
		ID:            tx.st.next("outbox"),
		EventID:       event.EventID,
		InstanceID:    event.InstanceID,
		Topic:         event.Topic(),
		PayloadJSON:   payload,
		Status:        domain.OutboxPending,
		NextAttemptAt: tx.now,
		CreatedAt:     tx.now,
	})
	return nil
}

func (tx *mutationTx) SaveCheckpoint(cp domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	cp.UpdatedAt = tx.now
	tx.st.checkpoints[cp.Key] = cp
	return nil
}

func (tx *mutationTx) CreateInstance(inst *domain.Instance) error {
	for _, existing := range tx.st.instances {
		if strings.EqualFold(existing.Name, inst.Name) {
			return fmt.Errorf("instance %q: %w", inst.Name, domain.ErrAlreadyExists)
		}
	}
	inst.ID = tx.st.next("instances")
	inst.CreatedAt = tx.now
	inst.Features = cloneFeatures(inst.Features)
	tx.st.instances[inst.ID] = *inst
	return nil
}

func (tx *mutationTx) SetDefaultRole(instanceID, roleID int64) error {
	inst, ok := tx.st.instances[instanceID]
	if !ok {
		return domain.NotFound("instance", instanceID)
	}
	if r, ok := tx.st.roles[roleID]; !ok || r.InstanceID != instanceID {
		return domain.NotFound("role", roleID)
	}
	inst.DefaultRoleID = roleID
	tx.st.instances[instanceID] = inst
	return tx.st.bump(instanceID)
}

func (tx *mutationTx) CreateRole(role *domain.Role) error {
	for _, r := range tx.st.roles {
		if r.InstanceID == role.InstanceID && r.Name == role.Name {
			return fmt.Errorf("role %q: %w", role.Name, domain.ErrAlreadyExists)
		}
	}
	if err := tx.st.bump(role.InstanceID); err != nil {
		return err
	}
	role.ID = tx.st.next("roles")
	tx.st.roles[role.ID] = *role
	return nil
}

func (tx *mutationTx) ListRoles(instanceID int64) ([]domain.Role, error) {
	return tx.st.listRoles(instanceID), nil
}

func (tx *mutationTx) UpsertFieldPermission(fp *domain.FieldPermission) error {
	role, ok := tx.st.roles[fp.RoleID]
	if !ok || role.InstanceID != fp.InstanceID {
		return domain.NotFound("role", fp.RoleID)
	}
	if err := tx.st.bump(fp.InstanceID); err != nil {
		return err
	}
	for id, p := range tx.st.permissions {
		if p.RoleID == fp.RoleID && p.Model == fp.Model && p.Field == fp.Field {
			fp.ID = id
			tx.st.permissions[id] = *fp
			return nil
		}
	}
	fp.ID = tx.st.next("field_permissions")
	tx.st.permissions[fp.ID] = *fp
	return nil
}

func (tx *mutationTx) UpsertInstanceUser(user domain.InstanceUser) error {
	if role, ok := tx.st.roles[user.RoleID]; !ok || role.InstanceID != user.InstanceID {
		return domain.NotFound("role", user.RoleID)
	}
	if err := tx.st.bump(user.InstanceID); err != nil {
		return err
	}
	tx.st.users[userKey{user.InstanceID, user.UserID}] = user
	return nil
}

func (tx *mutationTx) ListUDFs(instanceID int64) ([]domain.UDFDefinition, error) {
	return tx.st.listUDFs(instanceID), nil
}

func (tx *mutationTx) InsertUDF(def *domain.UDFDefinition) error {
	for _, d := range tx.st.udfs {
		if d.InstanceID == def.InstanceID && d.Model == def.Model && d.Name == def.Name {
			return fmt.Errorf("udf %s.%s: %w", def.Model, def.Name, domain.ErrAlreadyExists)
		}
	}
	if err := tx.st.bump(def.InstanceID); err != nil {
		return err
	}
	def.ID = tx.st.next("udf_definitions")
	def.CreatedAt = tx.now
	tx.st.udfs[def.ID] = def.Clone()
	return nil
}

func (tx *mutationTx) UpdateUDF(def domain.UDFDefinition) error {
	cur, ok := tx.st.udfs[def.ID]
	if !ok || cur.InstanceID != def.InstanceID {
		return domain.NotFound("udf", def.ID)
	}
	if err := tx.st.bump(def.InstanceID); err != nil {
		return err
	}
	def.CreatedAt = cur.CreatedAt
	tx.st.udfs[def.ID] = def.Clone()
	return nil
}

func (tx *mutationTx) UpsertAPIKey(key domain.APIKey) error {
	if key.TokenHash == "" {
		return domain.ErrInvalidKey
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = tx.now
	}
	tx.st.apiKeys[key.TokenHash] = key
	return nil
}

func cloneFeatures(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
