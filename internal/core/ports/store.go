package ports

import (
	"context"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

// Store persists features, the change log and instance configuration.
// Mutate runs fn in a single transaction; any error rolls back every
// write made through tx. Callers must not use the Store's read methods
// from inside fn.
type Store interface {
	Mutate(ctx context.Context, fn func(tx MutationTx) error) error
	RecordReader
	ChangeLogReader
	AdjunctSource
	DirectoryReader
	CheckpointReader
}

type RecordReader interface {
	GetRecord(ctx context.Context, instanceID int64, model domain.ModelKind, id int64) (domain.Record, error)
}

type ChangeLogReader interface {
	// History returns every change of one object, newest first.
	History(ctx context.Context, instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error)
	ListChanges(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeRecord, error)
	GetChange(ctx context.Context, instanceID, id int64) (domain.ChangeRecord, error)
}

type AdjunctSource interface {
	AdjunctsTimestamp(ctx context.Context, instanceID int64) (int64, error)
	LoadAdjuncts(ctx context.Context, instanceID int64) (domain.Adjuncts, error)
}

type DirectoryReader interface {
	GetInstance(ctx context.Context, id int64) (domain.Instance, error)
	FindInstance(ctx context.Context, name string) (domain.Instance, error)
	GetInstanceUser(ctx context.Context, instanceID, userID int64) (domain.InstanceUser, error)
}

type CheckpointReader interface {
	GetCheckpoint(ctx context.Context, key string) (domain.Checkpoint, error)
}

// MutationTx is the write side of a Store transaction. Writes to roles,
// field permissions, instance users and UDF definitions advance the
// instance's adjuncts timestamp within the same transaction.
type MutationTx interface {
	GetRecord(instanceID int64, model domain.ModelKind, id int64) (domain.Record, error)
	ListRecords(instanceID int64, model domain.ModelKind) ([]domain.Record, error)
	ListOwnedRecords(instanceID int64, model domain.ModelKind, ownerID int64) ([]domain.Record, error)
	CountReferencing(instanceID int64, model domain.ModelKind, field string, id int64) (int, error)
	InsertRecord(rec *domain.Record) error
	UpdateRecord(rec domain.Record) error
	DeleteRecord(instanceID int64, model domain.ModelKind, id int64) error

	AppendChange(change *domain.ChangeRecord) error
	GetChange(instanceID, id int64) (domain.ChangeRecord, error)
	// ResolutionOf returns the record resolving pendingID or ErrNotFound.
	ResolutionOf(instanceID, pendingID int64) (domain.ChangeRecord, error)
	// Unresolved lists the pending changes of one object that have no resolution, oldest first.
	Unresolved(instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error)

	Enqueue(event domain.EventEnvelope) error
	SaveCheckpoint(cp domain.Checkpoint) error

	CreateInstance(inst *domain.Instance) error
	SetDefaultRole(instanceID, roleID int64) error
	CreateRole(role *domain.Role) error
	ListRoles(instanceID int64) ([]domain.Role, error)
	UpsertFieldPermission(fp *domain.FieldPermission) error
	UpsertInstanceUser(user domain.InstanceUser) error
	ListUDFs(instanceID int64) ([]domain.UDFDefinition, error)
	InsertUDF(def *domain.UDFDefinition) error
	UpdateUDF(def domain.UDFDefinition) error
	UpsertAPIKey(key domain.APIKey) error
}
