package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

// ModerationService resolves pending change records. Each resolution is a
// new change record referencing the pending one; pending records are never
// modified.
type ModerationService struct {
	store     ports.Store
	auditable *AuditableService
	perms     *PermissionService
	gate      ports.FeatureGate
	now       func() time.Time
}

func NewModerationService(store ports.Store, auditable *AuditableService, perms *PermissionService, gate ports.FeatureGate) *ModerationService {
	return &ModerationService{
		store:     store,
		auditable: auditable,
		perms:     perms,
		gate:      gate,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type BatchFailure struct {
	ChangeID int64            `json:"change_id"`
	Model    domain.ModelKind `json:"model"`
	ModelID  int64            `json:"model_id"`
	Error    string           `json:"error"`
	Err      error            `json:"-"`
}

// BatchResult counts requested pending ids: Applied ids were resolved as
// asked, Failed ids were not. Resolutions also lists the changes settled
// along with them, so it can be longer than Applied.
type BatchResult struct {
	Applied     int                   `json:"applied"`
	Failed      int                   `json:"failed"`
	Failures    []BatchFailure        `json:"failures,omitempty"`
	Resolutions []domain.ChangeRecord `json:"resolutions,omitempty"`
}

// Resolve approves or rejects one pending change.
func (s *ModerationService) Resolve(ctx context.Context, instanceID, pendingID, moderatorID int64, approve bool) (domain.ChangeRecord, error) {
	if err := s.perms.Require(ctx, instanceID, moderatorID, ObjectModeration, ActResolve); err != nil {
		return domain.ChangeRecord{}, err
	}
	pending, err := s.store.GetChange(ctx, instanceID, pendingID)
	if err != nil {
		return domain.ChangeRecord{}, err
	}
	if !pending.AwaitsModeration() {
		return domain.ChangeRecord{}, fmt.Errorf("change %d: %w", pendingID, domain.ErrNotPending)
	}
	sch, err := s.auditable.schemaFor(ctx, instanceID, pending.Model)
	if err != nil {
		return domain.ChangeRecord{}, err
	}
	at := s.now()
	var out []domain.ChangeRecord
	err = s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		out, err = s.resolveInTx(tx, sch, pending, moderatorID, approve, at)
		if err != nil {
			return err
		}
		return enqueueResolution(tx, pending, moderatorID, out, at)
	})
	if err != nil {
		return domain.ChangeRecord{}, fmt.Errorf("resolve change %d: %w", pendingID, err)
	}
	return out[0], nil
}

// ResolveObject resolves every unresolved pending change of one object in
// a single transaction.
func (s *ModerationService) ResolveObject(ctx context.Context, instanceID int64, model domain.ModelKind, modelID, moderatorID int64, approve bool) ([]domain.ChangeRecord, error) {
	if err := s.perms.Require(ctx, instanceID, moderatorID, ObjectModeration, ActResolve); err != nil {
		return nil, err
	}
	sch, err := s.auditable.schemaFor(ctx, instanceID, model)
	if err != nil {
		return nil, err
	}
	var out []domain.ChangeRecord
	err = s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		out, err = s.resolveObjectInTx(tx, sch, instanceID, model, modelID, moderatorID, approve, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s %d: %w", model, modelID, err)
	}
	return out, nil
}

type objectKey struct {
	model   domain.ModelKind
	modelID int64
}

// ResolveBatch groups the given pending changes by object and resolves
// each object in its own transaction. A failing object does not stop the
// others; the result lists the failures.
func (s *ModerationService) ResolveBatch(ctx context.Context, instanceID int64, pendingIDs []int64, moderatorID int64, approve bool) (BatchResult, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return BatchResult{}, err
	}
	if !s.gate.Enabled(ctx, inst, FeatureBulkModeration) {
		return BatchResult{}, fmt.Errorf("%s: %w", FeatureBulkModeration, domain.ErrFeatureDisabled)
	}
	if err := s.perms.Require(ctx, instanceID, moderatorID, ObjectModeration, ActResolve); err != nil {
		return BatchResult{}, err
	}

	var (
		res    BatchResult
		order  []objectKey
		groups = make(map[objectKey][]int64)
	)
	fail := func(id int64, key objectKey, err error) {
		res.Failed++
		res.Failures = append(res.Failures, BatchFailure{ChangeID: id, Model: key.model, ModelID: key.modelID, Error: err.Error(), Err: err})
	}
	for _, id := range pendingIDs {
		pending, err := s.store.GetChange(ctx, instanceID, id)
		if err != nil {
			fail(id, objectKey{}, err)
			continue
		}
		key := objectKey{model: pending.Model, modelID: pending.ModelID}
		if !pending.AwaitsModeration() {
			fail(id, key, domain.ErrNotPending)
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], id)
	}

	for _, key := range order {
		ids := groups[key]
		sch, err := s.auditable.schemaFor(ctx, instanceID, key.model)
		if err == nil {
			var out []domain.ChangeRecord
			err = s.store.Mutate(ctx, func(tx ports.MutationTx) error {
				var err error
				out, err = s.resolveObjectInTx(tx, sch, instanceID, key.model, key.modelID, moderatorID, approve, s.now())
				return err
			})
			if err == nil {
				res.Applied += len(ids)
				res.Resolutions = append(res.Resolutions, out...)
				continue
			}
		}
		for _, id := range ids {
			fail(id, key, err)
		}
	}
	return res, nil
}

func (s *ModerationService) resolveObjectInTx(tx ports.MutationTx, sch modelSchema, instanceID int64, model domain.ModelKind, modelID, moderatorID int64, approve bool, at time.Time) ([]domain.ChangeRecord, error) {
	pending, err := tx.Unresolved(instanceID, model, modelID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, domain.NotFound("pending changes of "+string(model), modelID)
	}
	// whole-record changes first so field approvals land on a live row
	sort.SliceStable(pending, func(i, j int) bool {
		ii, jj := pending[i].Field == domain.FieldID, pending[j].Field == domain.FieldID
		if ii != jj {
			return ii
		}
		return pending[i].ID < pending[j].ID
	})
	var out []domain.ChangeRecord
	for _, p := range pending {
		resolutions, err := s.resolveInTx(tx, sch, p, moderatorID, approve, at)
		if errors.Is(err, domain.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := enqueueResolution(tx, p, moderatorID, resolutions, at); err != nil {
			return nil, err
		}
		out = append(out, resolutions...)
	}
	return out, nil
}

func enqueueResolution(tx ports.MutationTx, pending domain.ChangeRecord, moderatorID int64, resolutions []domain.ChangeRecord, at time.Time) error {
	ev, err := newEvent(domain.EventChangeResolved, pending.InstanceID, pending.Model, pending.ModelID, moderatorID, resolutions, at, map[string]any{
		"pending_id": pending.ID,
		"action":     resolutions[0].Action.String(),
	})
	if err != nil {
		return err
	}
	return tx.Enqueue(ev)
}

// resolveInTx writes the resolution of pending and applies its effect. The
// first returned record resolves pending; further records resolve the
// pending changes that were settled along with it.
func (s *ModerationService) resolveInTx(tx ports.MutationTx, sch modelSchema, pending domain.ChangeRecord, moderatorID int64, approve bool, at time.Time) ([]domain.ChangeRecord, error) {
	if _, err := tx.ResolutionOf(pending.InstanceID, pending.ID); err == nil {
		return nil, fmt.Errorf("change %d: %w", pending.ID, domain.ErrAlreadyResolved)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	resolution := domain.ChangeRecord{
		InstanceID: pending.InstanceID,
		Model:      pending.Model,
		ModelID:    pending.ModelID,
		Field:      pending.Field,
		Previous:   pending.Previous,
		Current:    pending.Current,
		UserID:     moderatorID,
		Action:     domain.ActionPendingReject,
		RefID:      &pending.ID,
		CreatedAt:  at,
	}
	if approve {
		resolution.Action = domain.ActionPendingApprove
	}

	rec, err := tx.GetRecord(pending.InstanceID, pending.Model, pending.ModelID)
	missing := errors.Is(err, domain.ErrNotFound)
	if err != nil && !missing {
		return nil, err
	}
	if missing && approve {
		return nil, &domain.ModerationConsistencyError{ChangeID: pending.ID, Reason: fmt.Sprintf("%s %d no longer exists", pending.Model, pending.ModelID)}
	}

	var extra []domain.ChangeRecord
	switch {
	case missing:
		// rejecting a change of a purged or deleted row only closes it

	case pending.Field == domain.FieldID && pending.Action == domain.ActionInsert:
		if approve {
			if err := s.checkParentLive(tx, sch, rec, pending.ID); err != nil {
				return nil, err
			}
			rec.Held = false
			if err := tx.UpdateRecord(rec); err != nil {
				return nil, err
			}
		} else {
			if err := checkNoLiveChildren(tx, rec, pending.ID); err != nil {
				return nil, err
			}
			if err := tx.DeleteRecord(rec.InstanceID, rec.Model, rec.ID); err != nil {
				return nil, err
			}
		}
		// the stored values of a held row live or die with its id
		extra, err = s.settleSiblings(tx, pending, rec, moderatorID, approve, at)
		if err != nil {
			return nil, err
		}

	case pending.Action == domain.ActionDelete:
		if approve {
			if err := checkNoChildren(tx, rec); err != nil {
				return nil, err
			}
			// the row's own removal is recorded by the resolution
			extra, err = deleteCascade(tx, sch, rec, moderatorID, at, false)
			if err != nil {
				return nil, err
			}
		} else {
			rec.PendingDelete = false
			if err := tx.UpdateRecord(rec); err != nil {
				return nil, err
			}
		}

	default:
		spec, ok := sch.byName[pending.Field]
		if !ok {
			if approve {
				return nil, &domain.ModerationConsistencyError{ChangeID: pending.ID, Reason: fmt.Sprintf("field %q no longer exists", pending.Field)}
			}
			break
		}
		if approve {
			var v domain.Value
			if rec.Held && pending.Action == domain.ActionInsert {
				// a held row already stores the value, possibly rewritten since
				v = rec.Value(pending.Field)
			} else if v, err = domain.ParseCanonical(spec.Type, pending.Current); err != nil {
				return nil, domain.FieldError(pending.Field, err.Error())
			}
			if msgs := s.auditable.validateValue(sch, spec, v); len(msgs) > 0 {
				verr := domain.NewValidationError()
				for _, m := range msgs {
					verr.Add(pending.Field, m)
				}
				return nil, verr
			}
			if spec.Type == domain.TypeForeignKey {
				if err := checkReferences(tx, sch, rec.InstanceID, map[string]domain.Value{spec.Name: v}, rec.Held); err != nil {
					return nil, err
				}
			}
			if !rec.Held {
				resolution.Previous = rec.Value(pending.Field).Canonical()
			}
			resolution.Current = v.Canonical()
			rec.Set(pending.Field, v)
			if err := tx.UpdateRecord(rec); err != nil {
				return nil, err
			}
		} else if rec.Held && pending.Action == domain.ActionInsert {
			// a held row stores every proposed value; drop the rejected one
			rec.Set(pending.Field, domain.Null())
			if err := tx.UpdateRecord(rec); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.AppendChange(&resolution); err != nil {
		return nil, err
	}
	return append([]domain.ChangeRecord{resolution}, extra...), nil
}

// settleSiblings resolves the other pending changes of the same object the
// same way as its pending id insert. Approved inserts record the value the
// row holds now, which a choice edit may have rewritten since the proposal.
func (s *ModerationService) settleSiblings(tx ports.MutationTx, idChange domain.ChangeRecord, rec domain.Record, moderatorID int64, approve bool, at time.Time) ([]domain.ChangeRecord, error) {
	siblings, err := tx.Unresolved(idChange.InstanceID, idChange.Model, idChange.ModelID)
	if err != nil {
		return nil, err
	}
	action := domain.ActionPendingReject
	if approve {
		action = domain.ActionPendingApprove
	}
	var out []domain.ChangeRecord
	for _, p := range siblings {
		if p.ID == idChange.ID || (approve && p.Action != domain.ActionInsert) {
			continue
		}
		r := domain.ChangeRecord{
			InstanceID: p.InstanceID,
			Model:      p.Model,
			ModelID:    p.ModelID,
			Field:      p.Field,
			Previous:   p.Previous,
			Current:    p.Current,
			UserID:     moderatorID,
			Action:     action,
			RefID:      &p.ID,
			CreatedAt:  at,
		}
		if approve {
			r.Current = rec.Value(p.Field).Canonical()
		}
		if err := tx.AppendChange(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *ModerationService) checkParentLive(tx ports.MutationTx, sch modelSchema, rec domain.Record, changeID int64) error {
	model, id, ok := sch.parentOf(rec)
	if !ok {
		return nil
	}
	parent, err := tx.GetRecord(rec.InstanceID, model, id)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.ModerationConsistencyError{ChangeID: changeID, Reason: fmt.Sprintf("%s %d does not exist", model, id)}
	}
	if err != nil {
		return err
	}
	if parent.Held {
		return &domain.ModerationConsistencyError{ChangeID: changeID, Reason: fmt.Sprintf("%s %d is awaiting moderation", model, id)}
	}
	return nil
}
