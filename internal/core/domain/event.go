package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

const CurrentEventSchemaVersion = 1

const (
	EventRecordSaved    = "record.saved"
	EventRecordDeleted  = "record.deleted"
	EventChangeResolved = "change.resolved"
	EventUDFChanged     = "udf.changed"
)

type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	InstanceID    int64           `json:"instance_id"`
	Model         ModelKind       `json:"model"`
	ModelID       int64           `json:"model_id"`
	UserID        int64           `json:"user_id"`
	ChangeIDs     []int64         `json:"change_ids,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Topic is the routing key used by publishers.
func (e EventEnvelope) Topic() string {
	return "events." + strconv.FormatInt(e.InstanceID, 10) + "." + e.EventType
}

type OutboxEvent struct {
	ID            int64
	EventID       string
	InstanceID    int64
	Topic         string
	PayloadJSON   json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxDead       = "dead"
)

// OutboxStats counts outbox rows per status.
type OutboxStats struct {
	Pending    int64 `json:"pending"`
	Dispatched int64 `json:"dispatched"`
	Dead       int64 `json:"dead"`
}

type APIKey struct {
	TokenHash  string
	InstanceID int64
	UserID     int64
	Name       string
	Active     bool
	CreatedAt  time.Time
}
