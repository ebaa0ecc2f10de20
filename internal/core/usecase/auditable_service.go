package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

const DefaultBulkChunkSize = 100

// AuditableService saves and deletes feature rows, turning every changed
// field into a change record and holding back fields the caller may only
// propose.
type AuditableService struct {
	store      ports.Store
	perms      *PermissionService
	cache      *AdjunctCache
	udfs       *UDFService
	normalizer ports.Normalizer
	now        func() time.Time
}

func NewAuditableService(store ports.Store, perms *PermissionService, cache *AdjunctCache, udfs *UDFService, normalizer ports.Normalizer) *AuditableService {
	if normalizer == nil {
		normalizer = DefaultNormalizer{}
	}
	return &AuditableService{
		store:      store,
		perms:      perms,
		cache:      cache,
		udfs:       udfs,
		normalizer: normalizer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// modelSchema is the effective field list of a model within one instance:
// the static registry plus scalar UDFs, or the subfields of a collection.
type modelSchema struct {
	model       domain.ModelKind
	fields      []domain.FieldSpec
	byName      map[string]domain.FieldSpec
	udf         map[string]bool
	parent      string
	parentModel domain.ModelKind
	owner       *domain.UDFDefinition
	collections []domain.ModelKind
}

func (s *AuditableService) schemaFor(ctx context.Context, instanceID int64, model domain.ModelKind) (modelSchema, error) {
	sch := modelSchema{model: model, byName: make(map[string]domain.FieldSpec), udf: make(map[string]bool)}
	if defID, ok := domain.ParseCollectionModel(model); ok {
		def, err := s.cache.UDF(ctx, instanceID, defID)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && !def.IsCollection) {
			return modelSchema{}, fmt.Errorf("%w: %q", domain.ErrInvalidModel, model)
		}
		if err != nil {
			return modelSchema{}, err
		}
		sch.owner = &def
		sch.parentModel = def.Model
		sch.fields = append([]domain.FieldSpec{{Name: domain.FieldID, Type: domain.TypeInt}}, def.FieldSpecs()...)
		for _, f := range sch.fields[1:] {
			sch.udf[f.Name] = true
		}
	} else {
		spec, ok := domain.LookupModel(model)
		if !ok {
			return modelSchema{}, fmt.Errorf("%w: %q", domain.ErrInvalidModel, model)
		}
		sch.fields = slices.Clone(spec.Fields)
		if spec.Parent != "" {
			sch.parent = spec.Parent
			parentField, _ := spec.Field(spec.Parent)
			sch.parentModel = parentField.References
		}
		defs, err := s.cache.UDFs(ctx, instanceID, model)
		if err != nil {
			return modelSchema{}, err
		}
		for _, d := range defs {
			if d.IsCollection {
				sch.collections = append(sch.collections, d.CollectionModel())
				continue
			}
			f := d.FieldSpecs()[0]
			sch.fields = append(sch.fields, f)
			sch.udf[f.Name] = true
		}
	}
	for _, f := range sch.fields {
		sch.byName[f.Name] = f
	}
	return sch, nil
}

// parentOf returns the row that must be live before rec may become live.
func (sch modelSchema) parentOf(rec domain.Record) (domain.ModelKind, int64, bool) {
	if sch.owner != nil {
		return sch.parentModel, rec.OwnerID, rec.OwnerID > 0
	}
	if sch.parent == "" {
		return "", 0, false
	}
	v := rec.Value(sch.parent)
	if !v.IsNumeric() {
		return "", 0, false
	}
	return sch.parentModel, v.Int(), true
}

// typed converts stored values to their field types.
func (sch modelSchema) typed(rec domain.Record) domain.Record {
	out := rec.Clone()
	for k, v := range out.Values {
		spec, ok := sch.byName[k]
		if !ok {
			continue
		}
		if tv, err := v.Coerce(spec.Type); err == nil {
			out.Values[k] = tv
		}
	}
	return out
}

func (s *AuditableService) validateValue(sch modelSchema, spec domain.FieldSpec, v domain.Value) []string {
	if v.IsNull() {
		return nil
	}
	var msgs []string
	if spec.Min != nil && v.IsNumeric() && v.Float() < *spec.Min {
		msgs = append(msgs, fmt.Sprintf("must be >= %v", *spec.Min))
	}
	if sch.udf[spec.Name] {
		return append(msgs, s.udfs.ValidateValue(spec, v)...)
	}
	if spec.Type == domain.TypeChoice && len(spec.Choices) > 0 && !slices.Contains(spec.Choices, v.Str()) {
		msgs = append(msgs, fmt.Sprintf("%q is not a valid choice", v.Str()))
	}
	return msgs
}

type saveRequest struct {
	schema modelSchema
	rec    domain.Record
	viewer Viewer
	levels map[string]domain.PermissionLevel
}

// prepare types, normalizes and validates the proposed values and resolves
// the caller's levels. It runs before the transaction opens.
func (s *AuditableService) prepare(ctx context.Context, rec domain.Record, userID int64) (*saveRequest, error) {
	sch, err := s.schemaFor(ctx, rec.InstanceID, rec.Model)
	if err != nil {
		return nil, err
	}
	verr := domain.NewValidationError()
	proposed := make(map[string]domain.Value, len(rec.Values))
	for name, raw := range rec.Values {
		spec, ok := sch.byName[name]
		switch {
		case !ok:
			verr.Add(name, "unknown field")
			continue
		case name == domain.FieldID:
			verr.Add(name, "is assigned by the store")
			continue
		}
		v, err := raw.Coerce(spec.Type)
		if err != nil {
			verr.Add(name, err.Error())
			continue
		}
		v, err = s.normalizer.Normalize(rec.Model, name, v)
		if err != nil {
			verr.Add(name, err.Error())
			continue
		}
		for _, msg := range s.validateValue(sch, spec, v) {
			verr.Add(name, msg)
		}
		if spec.Required && v.IsNull() && !rec.IsNew() {
			verr.Add(name, "is required")
		}
		proposed[name] = v
	}
	if rec.IsNew() {
		for _, f := range sch.fields {
			if f.Required && proposed[f.Name].IsNull() {
				verr.Add(f.Name, "is required")
			}
		}
		if sch.owner != nil && rec.OwnerID <= 0 {
			verr.Add("owner_id", "is required")
		}
	}
	if err := verr.ErrOrNil(); err != nil {
		return nil, err
	}

	viewer, err := s.perms.Viewer(ctx, rec.InstanceID, userID)
	if err != nil {
		return nil, err
	}
	fields := []string{domain.FieldID}
	for name := range proposed {
		fields = append(fields, name)
	}
	levels, err := s.perms.Levels(ctx, viewer, rec.Model, fields)
	if err != nil {
		return nil, err
	}
	rec.Values = proposed
	return &saveRequest{schema: sch, rec: rec, viewer: viewer, levels: levels}, nil
}

// Save persists the fields present in rec.Values. A field absent from the
// map is left unchanged; a null value clears it. A zero rec.ID inserts.
func (s *AuditableService) Save(ctx context.Context, rec domain.Record, userID int64) (domain.Record, error) {
	req, err := s.prepare(ctx, rec, userID)
	if err != nil {
		return domain.Record{}, err
	}
	at := s.now()
	var out domain.Record
	err = s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		saved, err := s.applySave(tx, req, at)
		out = saved
		return err
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("save %s: %w", rec.Model, err)
	}
	return req.schema.typed(out), nil
}

func (s *AuditableService) applySave(tx ports.MutationTx, req *saveRequest, at time.Time) (domain.Record, error) {
	var (
		saved   domain.Record
		changes []domain.ChangeRecord
		err     error
	)
	if req.rec.IsNew() {
		saved, changes, err = s.applyInsert(tx, req, at)
	} else {
		saved, changes, err = s.applyUpdate(tx, req, at)
	}
	if err != nil || len(changes) == 0 {
		return saved, err
	}
	ev, err := newEvent(domain.EventRecordSaved, saved.InstanceID, saved.Model, saved.ID, req.viewer.UserID, changes, at, nil)
	if err != nil {
		return domain.Record{}, err
	}
	return saved, tx.Enqueue(ev)
}

func (s *AuditableService) applyInsert(tx ports.MutationTx, req *saveRequest, at time.Time) (domain.Record, []domain.ChangeRecord, error) {
	rec := req.rec
	idLevel := req.levels[domain.FieldID]
	var denied []string
	if !idLevel.CanWrite() {
		denied = append(denied, domain.FieldID)
	}
	for _, f := range req.schema.fields {
		v, ok := rec.Values[f.Name]
		if ok && !v.IsNull() && !req.levels[f.Name].CanWrite() {
			denied = append(denied, f.Name)
		}
	}
	if len(denied) > 0 {
		return domain.Record{}, nil, &domain.AuthorizationError{InstanceID: rec.InstanceID, UserID: req.viewer.UserID, Model: rec.Model, Fields: denied, Op: "insert"}
	}
	if req.schema.owner != nil {
		owner, err := tx.GetRecord(rec.InstanceID, req.schema.parentModel, rec.OwnerID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Record{}, nil, domain.FieldError("owner_id", fmt.Sprintf("%s %d does not exist", req.schema.parentModel, rec.OwnerID))
		}
		if err != nil {
			return domain.Record{}, nil, err
		}
		if owner.Held {
			return domain.Record{}, nil, domain.FieldError("owner_id", "owner is awaiting moderation")
		}
	}
	held := idLevel == domain.PendingWrite
	if err := checkReferences(tx, req.schema, rec.InstanceID, rec.Values, held); err != nil {
		return domain.Record{}, nil, err
	}

	row := domain.Record{
		InstanceID: rec.InstanceID,
		Model:      rec.Model,
		OwnerID:    rec.OwnerID,
		Values:     make(map[string]domain.Value),
		Held:       held,
	}
	if req.schema.owner == nil {
		row.OwnerID = 0
	}
	for _, f := range req.schema.fields {
		v, ok := rec.Values[f.Name]
		if !ok || v.IsNull() {
			continue
		}
		if held || req.levels[f.Name] >= domain.FullWrite {
			row.Set(f.Name, v)
		}
	}
	if err := tx.InsertRecord(&row); err != nil {
		return domain.Record{}, nil, err
	}

	changes := []domain.ChangeRecord{{
		InstanceID:   row.InstanceID,
		Model:        row.Model,
		ModelID:      row.ID,
		Field:        domain.FieldID,
		Current:      domain.IDString(row.ID),
		UserID:       req.viewer.UserID,
		Action:       domain.ActionInsert,
		RequiresAuth: held,
		CreatedAt:    at,
	}}
	for _, f := range req.schema.fields {
		v, ok := rec.Values[f.Name]
		if !ok || v.IsNull() {
			continue
		}
		changes = append(changes, domain.ChangeRecord{
			InstanceID:   row.InstanceID,
			Model:        row.Model,
			ModelID:      row.ID,
			Field:        f.Name,
			Current:      v.Canonical(),
			UserID:       req.viewer.UserID,
			Action:       domain.ActionInsert,
			RequiresAuth: held || req.levels[f.Name] == domain.PendingWrite,
			CreatedAt:    at,
		})
	}
	for i := range changes {
		if err := tx.AppendChange(&changes[i]); err != nil {
			return domain.Record{}, nil, err
		}
	}
	return row, changes, nil
}

func (s *AuditableService) applyUpdate(tx ports.MutationTx, req *saveRequest, at time.Time) (domain.Record, []domain.ChangeRecord, error) {
	rec := req.rec
	cur, err := tx.GetRecord(rec.InstanceID, rec.Model, rec.ID)
	if err != nil {
		return domain.Record{}, nil, err
	}
	if cur.Held {
		return domain.Record{}, nil, domain.FieldError(domain.FieldID, "record is awaiting moderation")
	}
	if cur.PendingDelete {
		return domain.Record{}, nil, domain.FieldError(domain.FieldID, "record is awaiting deletion")
	}

	type fieldChange struct {
		field string
		prev  domain.Value
		next  domain.Value
		level domain.PermissionLevel
	}
	var (
		diff    []fieldChange
		denied  []string
		changed = make(map[string]domain.Value)
	)
	for _, f := range req.schema.fields {
		next, ok := rec.Values[f.Name]
		if !ok {
			continue
		}
		prev := cur.Value(f.Name)
		if prev.Equal(next) {
			continue
		}
		level := req.levels[f.Name]
		if !level.CanWrite() {
			denied = append(denied, f.Name)
			continue
		}
		diff = append(diff, fieldChange{field: f.Name, prev: prev, next: next, level: level})
		changed[f.Name] = next
	}
	if len(denied) > 0 {
		return domain.Record{}, nil, &domain.AuthorizationError{InstanceID: rec.InstanceID, UserID: req.viewer.UserID, Model: rec.Model, Fields: denied, Op: "update"}
	}
	if len(diff) == 0 {
		return cur, nil, nil
	}
	if err := checkReferences(tx, req.schema, rec.InstanceID, changed, false); err != nil {
		return domain.Record{}, nil, err
	}

	updated := cur.Clone()
	applied := false
	for _, c := range diff {
		if c.level >= domain.FullWrite {
			updated.Set(c.field, c.next)
			applied = true
		}
	}
	if applied {
		if err := tx.UpdateRecord(updated); err != nil {
			return domain.Record{}, nil, err
		}
	}
	changes := make([]domain.ChangeRecord, 0, len(diff))
	for _, c := range diff {
		change := domain.ChangeRecord{
			InstanceID:   rec.InstanceID,
			Model:        rec.Model,
			ModelID:      rec.ID,
			Field:        c.field,
			Previous:     c.prev.Canonical(),
			Current:      c.next.Canonical(),
			UserID:       req.viewer.UserID,
			Action:       domain.ActionUpdate,
			RequiresAuth: c.level == domain.PendingWrite,
			CreatedAt:    at,
		}
		if err := tx.AppendChange(&change); err != nil {
			return domain.Record{}, nil, err
		}
		changes = append(changes, change)
	}
	return updated, changes, nil
}

// checkReferences verifies that every foreign key in values points at an
// existing row. Held targets are only accepted from rows that are held
// themselves, so a live row never depends on an unmoderated one.
func checkReferences(tx ports.MutationTx, sch modelSchema, instanceID int64, values map[string]domain.Value, allowHeld bool) error {
	verr := domain.NewValidationError()
	for name, v := range values {
		spec := sch.byName[name]
		if spec.Type != domain.TypeForeignKey || v.IsNull() {
			continue
		}
		target, err := tx.GetRecord(instanceID, spec.References, v.Int())
		if errors.Is(err, domain.ErrNotFound) {
			verr.Add(name, fmt.Sprintf("%s %d does not exist", spec.References, v.Int()))
			continue
		}
		if err != nil {
			return err
		}
		if target.Held && !allowHeld {
			verr.Add(name, fmt.Sprintf("%s %d is awaiting moderation", spec.References, v.Int()))
		}
	}
	return verr.ErrOrNil()
}

// Delete removes a row, or flags it for moderated deletion when the caller
// only holds PendingWrite on its id.
func (s *AuditableService) Delete(ctx context.Context, instanceID int64, model domain.ModelKind, id, userID int64) error {
	sch, err := s.schemaFor(ctx, instanceID, model)
	if err != nil {
		return err
	}
	viewer, err := s.perms.Viewer(ctx, instanceID, userID)
	if err != nil {
		return err
	}
	level, err := s.perms.Level(ctx, viewer, model, domain.FieldID)
	if err != nil {
		return err
	}
	if !level.CanWrite() {
		return &domain.AuthorizationError{InstanceID: instanceID, UserID: userID, Model: model, Fields: []string{domain.FieldID}, Op: "delete"}
	}

	at := s.now()
	err = s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		rec, err := tx.GetRecord(instanceID, model, id)
		if err != nil {
			return err
		}
		if rec.Held {
			return domain.FieldError(domain.FieldID, "record is awaiting moderation")
		}
		if err := checkNoChildren(tx, rec); err != nil {
			return err
		}
		var changes []domain.ChangeRecord
		if level == domain.PendingWrite {
			if rec.PendingDelete {
				return domain.FieldError(domain.FieldID, "deletion is already awaiting moderation")
			}
			rec.PendingDelete = true
			if err := tx.UpdateRecord(rec); err != nil {
				return err
			}
			change := domain.ChangeRecord{
				InstanceID:   instanceID,
				Model:        model,
				ModelID:      id,
				Field:        domain.FieldID,
				Previous:     domain.IDString(id),
				UserID:       userID,
				Action:       domain.ActionDelete,
				RequiresAuth: true,
				CreatedAt:    at,
			}
			if err := tx.AppendChange(&change); err != nil {
				return err
			}
			changes = append(changes, change)
		} else {
			changes, err = deleteCascade(tx, sch, rec, userID, at, true)
			if err != nil {
				return err
			}
		}
		ev, err := newEvent(domain.EventRecordDeleted, instanceID, model, id, userID, changes, at, nil)
		if err != nil {
			return err
		}
		return tx.Enqueue(ev)
	})
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", model, id, err)
	}
	return nil
}

func checkNoChildren(tx ports.MutationTx, rec domain.Record) error {
	for _, ref := range domain.ChildrenOf(rec.Model) {
		n, err := tx.CountReferencing(rec.InstanceID, ref.Model, ref.Field, rec.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.FieldError(domain.FieldID, fmt.Sprintf("%d %s record(s) reference this %s", n, ref.Model, rec.Model))
		}
	}
	return nil
}

// checkNoLiveChildren refuses to purge rec while a live row references it.
// Held children may still point at it; their approval fails later.
func checkNoLiveChildren(tx ports.MutationTx, rec domain.Record, changeID int64) error {
	for _, ref := range domain.ChildrenOf(rec.Model) {
		rows, err := tx.ListRecords(rec.InstanceID, ref.Model)
		if err != nil {
			return err
		}
		for _, r := range rows {
			v := r.Value(ref.Field)
			if r.Held || !v.IsNumeric() || v.Int() != rec.ID {
				continue
			}
			return &domain.ModerationConsistencyError{
				ChangeID: changeID,
				Reason:   fmt.Sprintf("live %s %d references %s %d", ref.Model, r.ID, rec.Model, rec.ID),
			}
		}
	}
	return nil
}

// deleteCascade removes rec and the collection rows it owns, logging a
// Delete change for each removed row. logSelf controls whether rec's own
// removal is logged.
func deleteCascade(tx ports.MutationTx, sch modelSchema, rec domain.Record, userID int64, at time.Time, logSelf bool) ([]domain.ChangeRecord, error) {
	var changes []domain.ChangeRecord
	remove := func(model domain.ModelKind, id int64, log bool) error {
		if err := tx.DeleteRecord(rec.InstanceID, model, id); err != nil {
			return err
		}
		if !log {
			return nil
		}
		change := domain.ChangeRecord{
			InstanceID: rec.InstanceID,
			Model:      model,
			ModelID:    id,
			Field:      domain.FieldID,
			Previous:   domain.IDString(id),
			UserID:     userID,
			Action:     domain.ActionDelete,
			CreatedAt:  at,
		}
		if err := tx.AppendChange(&change); err != nil {
			return err
		}
		changes = append(changes, change)
		return nil
	}
	for _, m := range sch.collections {
		rows, err := tx.ListOwnedRecords(rec.InstanceID, m, rec.ID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if err := remove(m, row.ID, true); err != nil {
				return nil, err
			}
		}
	}
	if err := remove(rec.Model, rec.ID, logSelf); err != nil {
		return nil, err
	}
	return changes, nil
}

// Get returns a row with the fields the viewer cannot see removed. Held
// rows are only visible to admins.
func (s *AuditableService) Get(ctx context.Context, instanceID int64, model domain.ModelKind, id, viewerID int64) (domain.Record, error) {
	sch, err := s.schemaFor(ctx, instanceID, model)
	if err != nil {
		return domain.Record{}, err
	}
	rec, err := s.store.GetRecord(ctx, instanceID, model, id)
	if err != nil {
		return domain.Record{}, err
	}
	viewer, err := s.perms.Viewer(ctx, instanceID, viewerID)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.Held && !viewer.Admin {
		return domain.Record{}, domain.NotFound(string(model), id)
	}
	for field := range rec.Values {
		level, err := s.perms.Level(ctx, viewer, model, field)
		if err != nil {
			return domain.Record{}, err
		}
		if !level.CanRead() {
			delete(rec.Values, field)
		}
	}
	return sch.typed(rec), nil
}

type BulkResult struct {
	Total int
	Start int
	Next  int
	Saved []domain.Record
}

// BulkSave saves records in fixed-size chunks. Each chunk commits together
// with the job checkpoint, so a rerun with the same key resumes after the
// last committed chunk.
func (s *AuditableService) BulkSave(ctx context.Context, jobKey string, records []domain.Record, userID int64, chunkSize int) (BulkResult, error) {
	if err := domain.ValidateKey(jobKey); err != nil {
		return BulkResult{}, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultBulkChunkSize
	}
	start := 0
	cp, err := s.store.GetCheckpoint(ctx, jobKey)
	switch {
	case err == nil:
		start = cp.Next
	case !errors.Is(err, domain.ErrNotFound):
		return BulkResult{}, fmt.Errorf("load checkpoint %s: %w", jobKey, err)
	}

	res := BulkResult{Total: len(records), Start: start, Next: start}
	for i := start; i < len(records); i += chunkSize {
		end := min(i+chunkSize, len(records))
		reqs := make([]*saveRequest, 0, end-i)
		for j := i; j < end; j++ {
			req, err := s.prepare(ctx, records[j], userID)
			if err != nil {
				return res, fmt.Errorf("bulk save %s record %d: %w", jobKey, j, err)
			}
			reqs = append(reqs, req)
		}
		at := s.now()
		saved := make([]domain.Record, 0, len(reqs))
		err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
			for k, req := range reqs {
				out, err := s.applySave(tx, req, at)
				if err != nil {
					return fmt.Errorf("record %d: %w", i+k, err)
				}
				saved = append(saved, req.schema.typed(out))
			}
			return tx.SaveCheckpoint(domain.Checkpoint{Key: jobKey, Next: end})
		})
		if err != nil {
			return res, fmt.Errorf("bulk save %s: %w", jobKey, err)
		}
		res.Next = end
		res.Saved = append(res.Saved, saved...)
	}
	return res, nil
}
