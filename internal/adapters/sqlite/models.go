package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type instanceModel struct {
	ID                int64             `gorm:"column:id;primaryKey;autoIncrement"`
	Name              string            `gorm:"column:name;not null"`
	DefaultRoleID     *int64            `gorm:"column:default_role_id"`
	AdjunctsTimestamp int64             `gorm:"column:adjuncts_timestamp;not null"`
	FeaturesJSON      datatypes.JSONMap `gorm:"column:features_json;not null"`
	CreatedAt         time.Time         `gorm:"column:created_at;not null"`
}

func (instanceModel) TableName() string {
	return "instances"
}

type roleModel struct {
	ID                  int64  `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID          int64  `gorm:"column:instance_id;not null"`
	Name                string `gorm:"column:name;not null"`
	DefaultPermission   int    `gorm:"column:default_permission;not null"`
	ReputationThreshold int    `gorm:"column:reputation_threshold;not null"`
}

func (roleModel) TableName() string {
	return "roles"
}

type fieldPermissionModel struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID      int64  `gorm:"column:instance_id;not null"`
	RoleID          int64  `gorm:"column:role_id;not null"`
	ModelName       string `gorm:"column:model_name;not null"`
	FieldName       string `gorm:"column:field_name;not null"`
	PermissionLevel int    `gorm:"column:permission_level;not null"`
}

func (fieldPermissionModel) TableName() string {
	return "field_permissions"
}

type instanceUserModel struct {
	InstanceID int64 `gorm:"column:instance_id;primaryKey"`
	UserID     int64 `gorm:"column:user_id;primaryKey"`
	RoleID     int64 `gorm:"column:role_id;not null"`
	Admin      bool  `gorm:"column:admin;not null"`
	Reputation int   `gorm:"column:reputation;not null"`
}

func (instanceUserModel) TableName() string {
	return "instance_users"
}

type udfModel struct {
	ID           int64                                  `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID   int64                                  `gorm:"column:instance_id;not null"`
	ModelType    string                                 `gorm:"column:model_type;not null"`
	Name         string                                 `gorm:"column:name;not null"`
	DatatypeJSON datatypes.JSONType[domain.UDFDatatype] `gorm:"column:datatype_json;not null"`
	IsCollection bool                                   `gorm:"column:iscollection;not null"`
	CreatedAt    time.Time                              `gorm:"column:created_at;not null"`
}

func (udfModel) TableName() string {
	return "udf_definitions"
}

type featureModel struct {
	ID            int64             `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID    int64             `gorm:"column:instance_id;not null"`
	ModelName     string            `gorm:"column:model_name;not null"`
	OwnerID       *int64            `gorm:"column:owner_id"`
	FieldsJSON    datatypes.JSONMap `gorm:"column:fields_json;not null"`
	Held          bool              `gorm:"column:held;not null"`
	PendingDelete bool              `gorm:"column:pending_delete;not null"`
	CreatedAt     time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;not null"`
}

func (featureModel) TableName() string {
	return "features"
}

type changeRecordModel struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID    int64     `gorm:"column:instance_id;not null"`
	ModelName     string    `gorm:"column:model_name;not null"`
	ModelID       int64     `gorm:"column:model_id;not null"`
	FieldName     string    `gorm:"column:field_name;not null"`
	PreviousValue *string   `gorm:"column:previous_value"`
	CurrentValue  *string   `gorm:"column:current_value"`
	UserID        int64     `gorm:"column:user_id;not null"`
	Action        int       `gorm:"column:action;not null"`
	RequiresAuth  bool      `gorm:"column:requires_auth;not null"`
	RefID         *int64    `gorm:"column:ref_id"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

func (changeRecordModel) TableName() string {
	return "change_records"
}

type outboxEventModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;not null"`
	InstanceID    int64      `gorm:"column:instance_id;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	PayloadJSON   string     `gorm:"column:payload_json;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError     string     `gorm:"column:last_error;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (outboxEventModel) TableName() string {
	return "outbox_events"
}

type apiKeyModel struct {
	TokenHash  string    `gorm:"column:token_hash;primaryKey"`
	InstanceID int64     `gorm:"column:instance_id;not null"`
	UserID     int64     `gorm:"column:user_id;not null"`
	Name       string    `gorm:"column:name;not null"`
	Active     bool      `gorm:"column:active;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (apiKeyModel) TableName() string {
	return "api_keys"
}

type checkpointModel struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Next      int       `gorm:"column:next;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (checkpointModel) TableName() string {
	return "checkpoints"
}

func (m instanceModel) toDomain() domain.Instance {
	inst := domain.Instance{
		ID:                m.ID,
		Name:              m.Name,
		AdjunctsTimestamp: m.AdjunctsTimestamp,
		Features:          make(map[string]string, len(m.FeaturesJSON)),
		CreatedAt:         m.CreatedAt,
	}
	if m.DefaultRoleID != nil {
		inst.DefaultRoleID = *m.DefaultRoleID
	}
	for k, v := range m.FeaturesJSON {
		if s, ok := v.(string); ok {
			inst.Features[k] = s
		}
	}
	return inst
}

func (m roleModel) toDomain() domain.Role {
	return domain.Role{
		ID:                  m.ID,
		InstanceID:          m.InstanceID,
		Name:                m.Name,
		DefaultLevel:        domain.PermissionLevel(m.DefaultPermission),
		ReputationThreshold: m.ReputationThreshold,
	}
}

func (m fieldPermissionModel) toDomain() domain.FieldPermission {
	return domain.FieldPermission{
		ID:         m.ID,
		InstanceID: m.InstanceID,
		RoleID:     m.RoleID,
		Model:      domain.ModelKind(m.ModelName),
		Field:      m.FieldName,
		Level:      domain.PermissionLevel(m.PermissionLevel),
	}
}

func (m instanceUserModel) toDomain() domain.InstanceUser {
	return domain.InstanceUser{
		InstanceID: m.InstanceID,
		UserID:     m.UserID,
		RoleID:     m.RoleID,
		Admin:      m.Admin,
		Reputation: m.Reputation,
	}
}

func (m udfModel) toDomain() domain.UDFDefinition {
	return domain.UDFDefinition{
		ID:           m.ID,
		InstanceID:   m.InstanceID,
		Model:        domain.ModelKind(m.ModelType),
		Name:         m.Name,
		Datatype:     m.DatatypeJSON.Data(),
		IsCollection: m.IsCollection,
		CreatedAt:    m.CreatedAt,
	}
}

func (m featureModel) toDomain() (domain.Record, error) {
	rec := domain.Record{
		InstanceID:    m.InstanceID,
		Model:         domain.ModelKind(m.ModelName),
		ID:            m.ID,
		Values:        make(map[string]domain.Value, len(m.FieldsJSON)),
		Held:          m.Held,
		PendingDelete: m.PendingDelete,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.OwnerID != nil {
		rec.OwnerID = *m.OwnerID
	}
	for k, raw := range m.FieldsJSON {
		v, err := domain.FromNative(raw)
		if err != nil {
			return domain.Record{}, fmt.Errorf("decode %s %d field %s: %w", m.ModelName, m.ID, k, err)
		}
		rec.Set(k, v)
	}
	return rec, nil
}

func encodeValues(values map[string]domain.Value) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(values))
	for k, v := range values {
		if !v.IsNull() {
			out[k] = v.Native()
		}
	}
	return out
}

func (m changeRecordModel) toDomain() domain.ChangeRecord {
	return domain.ChangeRecord{
		ID:           m.ID,
		InstanceID:   m.InstanceID,
		Model:        domain.ModelKind(m.ModelName),
		ModelID:      m.ModelID,
		Field:        m.FieldName,
		Previous:     m.PreviousValue,
		Current:      m.CurrentValue,
		UserID:       m.UserID,
		Action:       domain.Action(m.Action),
		RequiresAuth: m.RequiresAuth,
		RefID:        m.RefID,
		CreatedAt:    m.CreatedAt,
	}
}

func (m outboxEventModel) toDomain() domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:            m.ID,
		EventID:       m.EventID,
		InstanceID:    m.InstanceID,
		Topic:         m.Topic,
		PayloadJSON:   json.RawMessage(m.PayloadJSON),
		Status:        m.Status,
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		DispatchedAt:  m.DispatchedAt,
	}
}
