package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DomainEvent is an emitted fact about an aggregate, persisted before fan-out.
type DomainEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventStore defines the persistence operations required by the event bus.
type EventStore interface {
	InsertDomainEvent(ctx context.Context, topic, aggregateID string, payload []byte) (DomainEvent, error)
}

// Notifier reacts to emitted events (metrics, operator alerts, etc.).
type Notifier interface {
	Notify(ctx context.Context, event DomainEvent) error
}

// Bus persists domain events and fans them out to downstream handlers.
type Bus struct {
	Store     EventStore
	Notifiers []Notifier
}

// Emit records the event and dispatches it to all configured handlers.
// Notifier failures are joined into the returned error but never undo the
// persisted event.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (DomainEvent, error) {
	if b == nil || b.Store == nil {
		return DomainEvent{}, errors.New("events: store not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return DomainEvent{}, errors.New("events: topic is required")
	}
	if strings.TrimSpace(aggregateID) == "" {
		return DomainEvent{}, errors.New("events: aggregate id is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev, err := b.Store.InsertDomainEvent(ctx, topic, aggregateID, encoded)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("events: persist event: %w", err)
	}
	var joined error
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		if notifyErr := notifier.Notify(ctx, ev); notifyErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", notifyErr))
		}
	}
	return ev, joined
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case []byte:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return []byte("{}"), nil
		}
		data := []byte(v)
		if !json.Valid(data) {
			return nil, errors.New("payload is not valid json")
		}
		return data, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}
