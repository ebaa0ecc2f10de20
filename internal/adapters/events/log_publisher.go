package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, event domain.EventEnvelope) error {
	p.log.Info("outbox publish",
		zap.String("topic", topic),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int64("instance_id", event.InstanceID),
		zap.String("model", string(event.Model)),
		zap.Int64("model_id", event.ModelID),
		zap.Int64("user_id", event.UserID),
		zap.Int64s("change_ids", event.ChangeIDs),
	)
	return nil
}
