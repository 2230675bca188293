package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Emitter publishes chat session lifecycle events. A nil Emitter is valid and
// drops everything.
type Emitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *zap.Logger
}

type SessionEvent struct {
	SchemaVersion int            `json:"schema_version"`
	EventType     string         `json:"event_type"`
	EventName     string         `json:"event_name"`
	EventID       string         `json:"event_id"`
	OccurredAt    string         `json:"occurred_at"`
	Service       string         `json:"service"`
	Environment   string         `json:"environment"`
	UserID        *int64         `json:"user_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func NewEmitter(publisher Publisher, routingKey, service, environment string, log *zap.Logger) *Emitter {
	return &Emitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log,
	}
}

// Emit publishes one event. Publish failures are logged, never returned.
func (e *Emitter) Emit(ctx context.Context, name string, userID int64, payload map[string]any) {
	if e == nil || e.publisher == nil {
		return
	}

	event := SessionEvent{
		SchemaVersion: 1,
		EventType:     "chat_session",
		EventName:     name,
		EventID:       uuid.NewString(),
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		Payload:       payload,
	}
	if userID != 0 {
		event.UserID = &userID
	}

	if err := e.publisher.Publish(ctx, e.routingKey+"."+name, event); err != nil {
		e.log.Warn("session event publish failed", zap.String("event", name), zap.Error(err))
	}
}
