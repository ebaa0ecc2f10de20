package sqlite

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

type mutationTx struct {
	db  *gorm.DB
	now time.Time
}

var _ ports.MutationTx = (*mutationTx)(nil)

func (tx *mutationTx) GetRecord(instanceID int64, model domain.ModelKind, id int64) (domain.Record, error) {
	return getRecord(tx.db, instanceID, model, id)
}

func (tx *mutationTx) ListRecords(instanceID int64, model domain.ModelKind) ([]domain.Record, error) {
	return tx.findRecords(tx.db.Where("instance_id = ? AND model_name = ?", instanceID, string(model)))
}

func (tx *mutationTx) ListOwnedRecords(instanceID int64, model domain.ModelKind, ownerID int64) ([]domain.Record, error) {
	return tx.findRecords(tx.db.Where("instance_id = ? AND model_name = ? AND owner_id = ?", instanceID, string(model), ownerID))
}

func (tx *mutationTx) findRecords(query *gorm.DB) ([]domain.Record, error) {
	var rows []featureModel
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	out := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (tx *mutationTx) CountReferencing(instanceID int64, model domain.ModelKind, field string, id int64) (int, error) {
	var n int64
	err := tx.db.Model(&featureModel{}).
		Where("instance_id = ? AND model_name = ?", instanceID, string(model)).
		Where("json_extract(fields_json, ?) = ?", jsonPath(field), id).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count %s referencing %d: %w", model, id, err)
	}
	return int(n), nil
}

// jsonPath addresses one top-level key of fields_json. Keys are quoted
// because UDF keys contain ':'.
func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

func (tx *mutationTx) InsertRecord(rec *domain.Record) error {
	row := featureModel{
		InstanceID:    rec.InstanceID,
		ModelName:     string(rec.Model),
		FieldsJSON:    encodeValues(rec.Values),
		Held:          rec.Held,
		PendingDelete: rec.PendingDelete,
		CreatedAt:     tx.now,
		UpdatedAt:     tx.now,
	}
	if rec.OwnerID > 0 {
		owner := rec.OwnerID
		row.OwnerID = &owner
	}
	if err := tx.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert %s: %w", rec.Model, err)
	}
	rec.ID = row.ID
	rec.CreatedAt = row.CreatedAt
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

func (tx *mutationTx) UpdateRecord(rec domain.Record) error {
	res := tx.db.Model(&featureModel{}).
		Where("id = ? AND instance_id = ? AND model_name = ?", rec.ID, rec.InstanceID, string(rec.Model)).
		Updates(map[string]any{
			"fields_json":    encodeValues(rec.Values),
			"held":           rec.Held,
			"pending_delete": rec.PendingDelete,
			"updated_at":     tx.now,
		})
	if res.Error != nil {
		return fmt.Errorf("update %s %d: %w", rec.Model, rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NotFound(string(rec.Model), rec.ID)
	}
	return nil
}

func (tx *mutationTx) DeleteRecord(instanceID int64, model domain.ModelKind, id int64) error {
	res := tx.db.Where("id = ? AND instance_id = ? AND model_name = ?", id, instanceID, string(model)).Delete(&featureModel{})
	if res.Error != nil {
		return fmt.Errorf("delete %s %d: %w", model, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NotFound(string(model), id)
	}
	return nil
}

func (tx *mutationTx) AppendChange(change *domain.ChangeRecord) error {
	if change.RefID != nil {
		if _, err := getChange(tx.db, change.InstanceID, *change.RefID); err != nil {
			return err
		}
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = tx.now
	}
	row := changeRecordModel{
		InstanceID:    change.InstanceID,
		ModelName:     string(change.Model),
		ModelID:       change.ModelID,
		FieldName:     change.Field,
		PreviousValue: change.Previous,
		CurrentValue:  change.Current,
		UserID:        change.UserID,
		Action:        int(change.Action),
		RequiresAuth:  change.RequiresAuth,
		RefID:         change.RefID,
		CreatedAt:     change.CreatedAt,
	}
	if err := tx.db.Create(&row).Error; err != nil {
		if change.RefID != nil && isUniqueViolation(err) {
			return fmt.Errorf("change %d: %w", *change.RefID, domain.ErrAlreadyResolved)
		}
		return fmt.Errorf("append change: %w", err)
	}
	change.ID = row.ID
	return nil
}

func (tx *mutationTx) GetChange(instanceID, id int64) (domain.ChangeRecord, error) {
	return getChange(tx.db, instanceID, id)
}

func (tx *mutationTx) ResolutionOf(instanceID, pendingID int64) (domain.ChangeRecord, error) {
	var row changeRecordModel
	err := tx.db.Where("instance_id = ? AND ref_id = ?", instanceID, pendingID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChangeRecord{}, domain.NotFound("resolution", pendingID)
		}
		return domain.ChangeRecord{}, fmt.Errorf("get resolution of %d: %w", pendingID, err)
	}
	return row.toDomain(), nil
}

func (tx *mutationTx) Unresolved(instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error) {
	var rows []changeRecordModel
	err := tx.db.Where("instance_id = ? AND model_name = ? AND model_id = ?", instanceID, string(model), modelID).
		Where(pendingClause, true).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}
	return changesToDomain(rows), nil
}

func (tx *mutationTx) Enqueue(event domain.EventEnvelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	row := outboxEventModel{
		EventID:       event.EventID,
		InstanceID:    event.InstanceID,
		Topic:         event.Topic(),
		PayloadJSON:   string(payload),
		Status:        domain.OutboxPending,
		NextAttemptAt: tx.now,
		CreatedAt:     tx.now,
	}
	if err := tx.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (tx *mutationTx) SaveCheckpoint(cp domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	row := checkpointModel{Key: cp.Key, Next: cp.Next, UpdatedAt: tx.now}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"next", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (tx *mutationTx) CreateInstance(inst *domain.Instance) error {
	features := make(datatypes.JSONMap, len(inst.Features))
	for k, v := range inst.Features {
		features[k] = v
	}
	row := instanceModel{Name: inst.Name, FeaturesJSON: features, CreatedAt: tx.now}
	if err := tx.db.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instance %q: %w", inst.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create instance: %w", err)
	}
	inst.ID = row.ID
	inst.CreatedAt = row.CreatedAt
	return nil
}

// bump advances the adjuncts timestamp so cached copies are rebuilt.
func (tx *mutationTx) bump(instanceID int64) error {
	res := tx.db.Model(&instanceModel{}).Where("id = ?", instanceID).
		UpdateColumn("adjuncts_timestamp", gorm.Expr("adjuncts_timestamp + 1"))
	if res.Error != nil {
		return fmt.Errorf("bump adjuncts timestamp: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NotFound("instance", instanceID)
	}
	return nil
}

func (tx *mutationTx) SetDefaultRole(instanceID, roleID int64) error {
	var n int64
	if err := tx.db.Model(&roleModel{}).Where("id = ? AND instance_id = ?", roleID, instanceID).Count(&n).Error; err != nil {
		return fmt.Errorf("check role: %w", err)
	}
	if n == 0 {
		return domain.NotFound("role", roleID)
	}
	if err := tx.db.Model(&instanceModel{}).Where("id = ?", instanceID).UpdateColumn("default_role_id", roleID).Error; err != nil {
		return fmt.Errorf("set default role: %w", err)
	}
	return tx.bump(instanceID)
}

func (tx *mutationTx) CreateRole(role *domain.Role) error {
	if err := tx.bump(role.InstanceID); err != nil {
		return err
	}
	row := roleModel{
		InstanceID:          role.InstanceID,
		Name:                role.Name,
		DefaultPermission:   int(role.DefaultLevel),
		ReputationThreshold: role.ReputationThreshold,
	}
	if err := tx.db.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("role %q: %w", role.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create role: %w", err)
	}
	role.ID = row.ID
	return nil
}

func (tx *mutationTx) ListRoles(instanceID int64) ([]domain.Role, error) {
	return listRoles(tx.db, instanceID)
}

func (tx *mutationTx) UpsertFieldPermission(fp *domain.FieldPermission) error {
	var role roleModel
	if err := tx.db.Where("id = ? AND instance_id = ?", fp.RoleID, fp.InstanceID).First(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NotFound("role", fp.RoleID)
		}
		return fmt.Errorf("check role: %w", err)
	}
	if err := tx.bump(fp.InstanceID); err != nil {
		return err
	}
	row := fieldPermissionModel{
		InstanceID:      fp.InstanceID,
		RoleID:          fp.RoleID,
		ModelName:       string(fp.Model),
		FieldName:       fp.Field,
		PermissionLevel: int(fp.Level),
	}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "role_id"}, {Name: "model_name"}, {Name: "field_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"permission_level"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert field permission: %w", err)
	}
	var stored fieldPermissionModel
	if err := tx.db.Where("role_id = ? AND model_name = ? AND field_name = ?", fp.RoleID, string(fp.Model), fp.Field).First(&stored).Error; err != nil {
		return fmt.Errorf("reload field permission: %w", err)
	}
	fp.ID = stored.ID
	return nil
}

func (tx *mutationTx) UpsertInstanceUser(user domain.InstanceUser) error {
	var n int64
	if err := tx.db.Model(&roleModel{}).Where("id = ? AND instance_id = ?", user.RoleID, user.InstanceID).Count(&n).Error; err != nil {
		return fmt.Errorf("check role: %w", err)
	}
	if n == 0 {
		return domain.NotFound("role", user.RoleID)
	}
	if err := tx.bump(user.InstanceID); err != nil {
		return err
	}
	row := instanceUserModel{
		InstanceID: user.InstanceID,
		UserID:     user.UserID,
		RoleID:     user.RoleID,
		Admin:      user.Admin,
		Reputation: user.Reputation,
	}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role_id", "admin", "reputation"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert instance user: %w", err)
	}
	return nil
}

func (tx *mutationTx) ListUDFs(instanceID int64) ([]domain.UDFDefinition, error) {
	return listUDFs(tx.db, instanceID)
}

func (tx *mutationTx) InsertUDF(def *domain.UDFDefinition) error {
	if err := tx.bump(def.InstanceID); err != nil {
		return err
	}
	row := udfModel{
		InstanceID:   def.InstanceID,
		ModelType:    string(def.Model),
		Name:         def.Name,
		DatatypeJSON: datatypes.NewJSONType(def.Datatype),
		IsCollection: def.IsCollection,
		CreatedAt:    tx.now,
	}
	if err := tx.db.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("udf %s.%s: %w", def.Model, def.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert udf: %w", err)
	}
	def.ID = row.ID
	def.CreatedAt = row.CreatedAt
	return nil
}

func (tx *mutationTx) UpdateUDF(def domain.UDFDefinition) error {
	res := tx.db.Model(&udfModel{}).
		Where("id = ? AND instance_id = ?", def.ID, def.InstanceID).
		Updates(map[string]any{"datatype_json": datatypes.NewJSONType(def.Datatype)})
	if res.Error != nil {
		return fmt.Errorf("update udf %d: %w", def.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NotFound("udf", def.ID)
	}
	return tx.bump(def.InstanceID)
}

func (tx *mutationTx) UpsertAPIKey(key domain.APIKey) error {
	row := apiKeyModel{
		TokenHash:  key.TokenHash,
		InstanceID: key.InstanceID,
		UserID:     key.UserID,
		Name:       key.Name,
		Active:     key.Active,
		CreatedAt:  tx.now,
	}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"instance_id", "user_id", "name", "active"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert api key: %w", err)
	}
	return nil
}
