package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

// Store is the SQLite implementation of ports.Store. Reads go through the
// reader pool; Mutate runs on the single writer connection.
type Store struct {
	db  *gormsqlite.DB
	now func() time.Time
}

func NewStore(db *gormsqlite.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ ports.Store = (*Store)(nil)

func (s *Store) Mutate(ctx context.Context, fn func(tx ports.MutationTx) error) error {
	return s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return fn(&mutationTx{db: tx.DB, now: s.now()})
	})
}

func (s *Store) GetRecord(ctx context.Context, instanceID int64, model domain.ModelKind, id int64) (domain.Record, error) {
	var rec domain.Record
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		var err error
		rec, err = getRecord(tx.DB, instanceID, model, id)
		return err
	})
	return rec, err
}

func getRecord(db *gorm.DB, instanceID int64, model domain.ModelKind, id int64) (domain.Record, error) {
	var row featureModel
	err := db.Where("id = ? AND instance_id = ? AND model_name = ?", id, instanceID, string(model)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Record{}, domain.NotFound(string(model), id)
		}
		return domain.Record{}, fmt.Errorf("get %s %d: %w", model, id, err)
	}
	return row.toDomain()
}

func (s *Store) History(ctx context.Context, instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error) {
	var rows []changeRecordModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("instance_id = ? AND model_name = ? AND model_id = ?", instanceID, string(model), modelID).
			Order("created_at DESC").
			Order("id DESC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return changesToDomain(rows), nil
}

// pendingClause matches change records awaiting a moderator.
const pendingClause = "requires_auth = ? AND ref_id IS NULL AND NOT EXISTS (SELECT 1 FROM change_records r WHERE r.ref_id = change_records.id)"

func (s *Store) ListChanges(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeRecord, error) {
	var rows []changeRecordModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&changeRecordModel{}).Where("instance_id = ?", filter.InstanceID)
		if filter.Model != "" {
			query = query.Where("model_name = ?", string(filter.Model))
		}
		if filter.ModelID > 0 {
			query = query.Where("model_id = ?", filter.ModelID)
		}
		if filter.UserID != nil {
			query = query.Where("user_id = ?", *filter.UserID)
		}
		if filter.Action != 0 {
			query = query.Where("action = ?", int(filter.Action))
		}
		if filter.PendingOnly {
			query = query.Where(pendingClause, true)
		}
		if filter.AfterID > 0 {
			query = query.Where("id < ?", filter.AfterID)
		}
		return query.Order("id DESC").Limit(domain.ClampLimit(filter.Limit)).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return changesToDomain(rows), nil
}

func (s *Store) GetChange(ctx context.Context, instanceID, id int64) (domain.ChangeRecord, error) {
	var c domain.ChangeRecord
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		var err error
		c, err = getChange(tx.DB, instanceID, id)
		return err
	})
	return c, err
}

func getChange(db *gorm.DB, instanceID, id int64) (domain.ChangeRecord, error) {
	var row changeRecordModel
	err := db.Where("id = ? AND instance_id = ?", id, instanceID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChangeRecord{}, domain.NotFound("change", id)
		}
		return domain.ChangeRecord{}, fmt.Errorf("get change %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func changesToDomain(rows []changeRecordModel) []domain.ChangeRecord {
	out := make([]domain.ChangeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

func (s *Store) AdjunctsTimestamp(ctx context.Context, instanceID int64) (int64, error) {
	var inst instanceModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Select("id", "adjuncts_timestamp").Where("id = ?", instanceID).First(&inst).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, domain.NotFound("instance", instanceID)
		}
		return 0, fmt.Errorf("read adjuncts timestamp: %w", err)
	}
	return inst.AdjunctsTimestamp, nil
}

// LoadAdjuncts reads the timestamp and every adjunct table in one read
// transaction, so the snapshot matches the timestamp it carries.
func (s *Store) LoadAdjuncts(ctx context.Context, instanceID int64) (domain.Adjuncts, error) {
	var adj domain.Adjuncts
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		var inst instanceModel
		if err := tx.Where("id = ?", instanceID).First(&inst).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFound("instance", instanceID)
			}
			return err
		}
		adj.Timestamp = inst.AdjunctsTimestamp

		roles, err := listRoles(tx.DB, instanceID)
		if err != nil {
			return err
		}
		adj.Roles = roles

		var perms []fieldPermissionModel
		if err := tx.Where("instance_id = ?", instanceID).Order("id ASC").Find(&perms).Error; err != nil {
			return err
		}
		for _, p := range perms {
			adj.FieldPermissions = append(adj.FieldPermissions, p.toDomain())
		}

		udfs, err := listUDFs(tx.DB, instanceID)
		if err != nil {
			return err
		}
		adj.UDFs = udfs
		return nil
	})
	if err != nil {
		return domain.Adjuncts{}, fmt.Errorf("load adjuncts of instance %d: %w", instanceID, err)
	}
	return adj, nil
}

func listRoles(db *gorm.DB, instanceID int64) ([]domain.Role, error) {
	var rows []roleModel
	if err := db.Where("instance_id = ?", instanceID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	out := make([]domain.Role, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func listUDFs(db *gorm.DB, instanceID int64) ([]domain.UDFDefinition, error) {
	var rows []udfModel
	if err := db.Where("instance_id = ?", instanceID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list udfs: %w", err)
	}
	out := make([]domain.UDFDefinition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) GetInstance(ctx context.Context, id int64) (domain.Instance, error) {
	return s.findInstance(ctx, "id = ?", id)
}

func (s *Store) FindInstance(ctx context.Context, name string) (domain.Instance, error) {
	return s.findInstance(ctx, "name = ?", strings.TrimSpace(name))
}

func (s *Store) findInstance(ctx context.Context, cond string, arg any) (domain.Instance, error) {
	var row instanceModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where(cond, arg).First(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Instance{}, domain.NotFound("instance", arg)
		}
		return domain.Instance{}, fmt.Errorf("get instance: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetInstanceUser(ctx context.Context, instanceID, userID int64) (domain.InstanceUser, error) {
	var row instanceUserModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("instance_id = ? AND user_id = ?", instanceID, userID).First(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.InstanceUser{}, domain.NotFound("instance user", userID)
		}
		return domain.InstanceUser{}, fmt.Errorf("get instance user: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetCheckpoint(ctx context.Context, key string) (domain.Checkpoint, error) {
	var row checkpointModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("key = ?", key).First(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Checkpoint{}, domain.NotFound("checkpoint", key)
		}
		return domain.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return domain.Checkpoint{Key: row.Key, Next: row.Next, UpdatedAt: row.UpdatedAt}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
