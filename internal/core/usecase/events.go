package usecase

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

func newEvent(eventType string, instanceID int64, model domain.ModelKind, modelID, userID int64, changes []domain.ChangeRecord, at time.Time, payload any) (domain.EventEnvelope, error) {
	ev := domain.EventEnvelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: domain.CurrentEventSchemaVersion,
		InstanceID:    instanceID,
		Model:         model,
		ModelID:       modelID,
		UserID:        userID,
		OccurredAt:    at,
	}
	for _, c := range changes {
		ev.ChangeIDs = append(ev.ChangeIDs, c.ID)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return domain.EventEnvelope{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}
