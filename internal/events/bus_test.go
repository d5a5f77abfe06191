package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nimbleshop/commerce-core/internal/events"
)

type stubStore struct {
	lastTopic   string
	lastPayload []byte
	event       events.DomainEvent
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic, aggregateID string, payload []byte) (events.DomainEvent, error) {
	s.lastTopic = topic
	s.lastPayload = payload
	if s.event.ID == "" {
		s.event.ID = uuid.NewString()
	}
	s.event.Topic = topic
	s.event.AggregateID = aggregateID
	s.event.Payload = payload
	if s.event.OccurredAt.IsZero() {
		s.event.OccurredAt = time.Now()
	}
	return s.event, nil
}

type captureNotifier struct {
	events []events.DomainEvent
}

func (c *captureNotifier) Notify(_ context.Context, event events.DomainEvent) error {
	c.events = append(c.events, event)
	return nil
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     store,
		Notifiers: []events.Notifier{notifier},
	}

	payload := map[string]any{"orderId": "123"}
	ctx := context.Background()
	event, err := bus.Emit(ctx, events.TopicOrderCreated, uuid.NewString(), payload)
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderCreated, store.lastTopic)
	require.JSONEq(t, `{"orderId":"123"}`, string(store.lastPayload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "123", decoded["orderId"])
}

func TestEmitRequiresTopicAndAggregate(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), "  ", "agg", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, "", nil)
	require.Error(t, err)
}
