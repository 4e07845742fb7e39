package kafka

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventType определяет тип события
type EventType string

const (
	// Order события
	EventTypeOrderCreated EventType = "order.created"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "shop.order.events"
	TopicDeadLetterQueue = "shop.dlq" // Dead Letter Queue для failed messages
)

// Aggregate типы для outbox-сообщений
const (
	AggregateTypeOrder = "order"
)

// HeaderRetryCount — заголовок Kafka с числом повторных доставок сообщения.
const HeaderRetryCount = "x-retry-count"

// Envelope — обёртка, в которой outbox-события публикуются в topic.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// OrderLinePayload — одна позиция заказа в составе события.
type OrderLinePayload struct {
	ProductID string          `json:"product_id"`
	Quantity  int32           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderCreatedEvent — payload события order.created.
type OrderCreatedEvent struct {
	EventType  EventType          `json:"event_type"`
	OrderID    string             `json:"order_id"`
	CustomerID string             `json:"customer_id"`
	Total      decimal.Decimal    `json:"total"`
	Lines      []OrderLinePayload `json:"lines"`
	Timestamp  time.Time          `json:"timestamp"`
}
