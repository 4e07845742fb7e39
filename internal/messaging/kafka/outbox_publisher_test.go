package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var envelope Envelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.ID != "outbox-1" {
			t.Errorf("unexpected envelope id: %s", envelope.ID)
		}
		if envelope.EventType != string(EventTypeOrderCreated) {
			t.Errorf("unexpected event type: %s", envelope.EventType)
		}
		if envelope.AggregateID != "order-1" {
			t.Errorf("unexpected aggregate id: %s", envelope.AggregateID)
		}
		if string(envelope.Payload) != `{"order_id":"order-1"}` {
			t.Errorf("unexpected payload: %s", envelope.Payload)
		}
		if envelope.PublishedAt.IsZero() {
			t.Error("published_at should be set")
		}
		return nil
	})

	producer := &Producer{producer: mockProducer, logger: log.WithField("test", "outbox-publisher")}
	publisher := NewOutboxPublisher(producer, "")

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: AggregateTypeOrder,
		AggregateID:   "order-1",
		EventType:     string(EventTypeOrderCreated),
		Payload:       []byte(`{"order_id":"order-1"}`),
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_KeyFallsBackToMessageID(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()

	producer := &Producer{producer: mockProducer, logger: log.WithField("test", "outbox-publisher")}
	publisher := NewOutboxPublisher(producer, "custom.topic")

	err := publisher.Publish(domain.OutboxMessage{
		ID:        "outbox-2",
		EventType: string(EventTypeOrderCreated),
		Payload:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_NotInitialized(t *testing.T) {
	publisher := &OutboxTopicPublisher{}
	if err := publisher.Publish(domain.OutboxMessage{ID: "x"}); err == nil {
		t.Fatal("expected error for uninitialized publisher")
	}
}
