package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/service/outbox"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("SHOP_KAFKA_BROKERS", "")

	cfg, err := parseFlags([]string{"-brokers", "localhost:9092, localhost:9093"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if len(cfg.brokers) != 2 || cfg.brokers[1] != "localhost:9093" {
		t.Fatalf("unexpected brokers: %v", cfg.brokers)
	}
	if cfg.dlqTopic != kafka.TopicDeadLetterQueue || cfg.replayTopic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected default topics: %s -> %s", cfg.dlqTopic, cfg.replayTopic)
	}
	if cfg.execute {
		t.Fatal("dry-run must be the default")
	}

	for name, args := range map[string][]string{
		"no brokers":   {},
		"bad limit":    {"-brokers", "b:9092", "-limit", "0"},
		"bad idle":     {"-brokers", "b:9092", "-idle-timeout", "0s"},
		"empty dlq":    {"-brokers", "b:9092", "-dlq-topic", " "},
		"empty replay": {"-brokers", "b:9092", "-replay-topic", ""},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseFlags_BrokersFromEnv(t *testing.T) {
	t.Setenv("SHOP_KAFKA_BROKERS", "env-broker:9092")

	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if len(cfg.brokers) != 1 || cfg.brokers[0] != "env-broker:9092" {
		t.Fatalf("expected broker from env, got %v", cfg.brokers)
	}
}

// makeOrderCreatedEnvelope собирает Envelope события order.created так, как
// его публикует outbox-паблишер сервиса.
func makeOrderCreatedEnvelope(t *testing.T, orderID string) ([]byte, []byte) {
	t.Helper()

	event := kafka.OrderCreatedEvent{
		EventType:  kafka.EventTypeOrderCreated,
		OrderID:    orderID,
		CustomerID: "customer-1",
		Total:      decimal.RequireFromString("19.98"),
		Lines: []kafka.OrderLinePayload{
			{ProductID: "product-1", Quantity: 2, Price: decimal.RequireFromString("9.99")},
		},
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	envelope, err := json.Marshal(kafka.Envelope{
		ID:            "outbox-" + orderID,
		AggregateType: kafka.AggregateTypeOrder,
		AggregateID:   orderID,
		EventType:     string(kafka.EventTypeOrderCreated),
		Payload:       payload,
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return envelope, payload
}

func TestDecodeConsumerDLQRecord_ReplaysOriginalBytes(t *testing.T) {
	original, _ := makeOrderCreatedEnvelope(t, "order-77")

	// Запись в том виде, в котором её пишет консьюмер при отказе обработчика.
	record, err := json.Marshal(map[string]any{
		"original_topic":     kafka.TopicOrderEvents,
		"original_partition": int32(0),
		"original_offset":    int64(41),
		"original_key":       "order-77",
		"original_value":     string(original),
		"error_message":      "handler rejected message",
		"failed_at":          time.Now().UTC().Format(time.RFC3339),
		"retry_count":        3,
	})
	if err != nil {
		t.Fatalf("marshal dlq record: %v", err)
	}

	candidate, err := decodeDLQRecord(record, kafka.TopicOrderEvents)
	if err != nil {
		t.Fatalf("decodeDLQRecord failed: %v", err)
	}
	if candidate.topic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected topic: %s", candidate.topic)
	}
	if candidate.key != "order-77" {
		t.Fatalf("unexpected key: %s", candidate.key)
	}
	if string(candidate.value) != string(original) {
		t.Fatal("consumer dlq replay must carry the original event bytes unchanged")
	}
}

// replayOutboxRepo отдаёт одно pending-событие для прогона через воркер.
type replayOutboxRepo struct {
	pending []domain.OutboxMessage
	failed  []string
}

func (r *replayOutboxRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}
func (r *replayOutboxRepo) PullPending(int) ([]domain.OutboxMessage, error) { return r.pending, nil }
func (r *replayOutboxRepo) Stats() (domain.OutboxStats, error)              { return domain.OutboxStats{}, nil }
func (r *replayOutboxRepo) MarkSent(string) error                           { return nil }
func (r *replayOutboxRepo) MarkFailed(id string) error {
	r.failed = append(r.failed, id)
	return nil
}

type alwaysFailPublisher struct{}

func (alwaysFailPublisher) Publish(domain.OutboxMessage) error {
	return errors.New("broker is down")
}

type capturePublisher struct {
	messages []domain.OutboxMessage
}

func (c *capturePublisher) Publish(msg domain.OutboxMessage) error {
	c.messages = append(c.messages, msg)
	return nil
}

// Сквозной прогон: outbox-воркер хоронит событие заказа в DLQ, инструмент
// достаёт его оттуда и восстанавливает исходный Envelope для переотправки.
func TestDecodeOutboxDLQRecord_RoundTripThroughWorker(t *testing.T) {
	_, originalPayload := makeOrderCreatedEnvelope(t, "order-88")

	repo := &replayOutboxRepo{
		pending: []domain.OutboxMessage{{
			ID:            "outbox-1",
			AggregateType: kafka.AggregateTypeOrder,
			AggregateID:   "order-88",
			EventType:     string(kafka.EventTypeOrderCreated),
			Payload:       originalPayload,
		}},
	}
	dlq := &capturePublisher{}

	worker := outbox.NewWorker(
		repo,
		alwaysFailPublisher{},
		outbox.WithDLQPublisher(dlq),
		outbox.WithMaxAttempts(1),
		outbox.WithRetryBaseDelay(0),
	)
	worker.ProcessOnce(context.Background())

	if len(dlq.messages) != 1 {
		t.Fatalf("expected 1 dlq publish, got %d", len(dlq.messages))
	}
	if len(repo.failed) != 1 || repo.failed[0] != "outbox-1" {
		t.Fatalf("expected outbox-1 marked failed, got %v", repo.failed)
	}

	// В topic shop.dlq сообщение уходит завёрнутым в Envelope, как и любое
	// другое событие паблишера.
	dlqMsg := dlq.messages[0]
	dlqBytes, err := json.Marshal(kafka.Envelope{
		ID:            dlqMsg.ID,
		AggregateType: dlqMsg.AggregateType,
		AggregateID:   dlqMsg.AggregateID,
		EventType:     dlqMsg.EventType,
		Payload:       dlqMsg.Payload,
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal dlq envelope: %v", err)
	}

	candidate, err := decodeDLQRecord(dlqBytes, kafka.TopicOrderEvents)
	if err != nil {
		t.Fatalf("decodeDLQRecord failed: %v", err)
	}
	if candidate.topic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected replay topic: %s", candidate.topic)
	}
	if candidate.key != "order-88" {
		t.Fatalf("replay key must be the order id, got %s", candidate.key)
	}

	var replay kafka.Envelope
	if err := json.Unmarshal(candidate.value, &replay); err != nil {
		t.Fatalf("unmarshal replay envelope: %v", err)
	}
	if replay.EventType != string(kafka.EventTypeOrderCreated) || replay.AggregateID != "order-88" {
		t.Fatalf("unexpected replay envelope: %+v", replay)
	}
	if string(replay.Payload) != string(originalPayload) {
		t.Fatal("replay must carry the original order.created payload unchanged")
	}

	var event kafka.OrderCreatedEvent
	if err := json.Unmarshal(replay.Payload, &event); err != nil {
		t.Fatalf("replay payload is not an order.created event: %v", err)
	}
	if event.OrderID != "order-88" || !event.Total.Equal(decimal.RequireFromString("19.98")) {
		t.Fatalf("unexpected replayed event: %+v", event)
	}
}

func TestDecodeDLQRecord_Rejections(t *testing.T) {
	corruptPayloadEnvelope, err := json.Marshal(kafka.Envelope{
		ID:        "outbox-2",
		EventType: string(kafka.EventTypeOrderCreated),
		Payload: mustMarshal(t, outboxDLQRecord{
			OutboxID:  "outbox-2",
			EventType: string(kafka.EventTypeOrderCreated),
			Payload:   json.RawMessage(`{"order_id":""}`),
		}),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	cases := map[string][]byte{
		"not json":              []byte("not a dlq record"),
		"envelope without body": mustMarshal(t, kafka.Envelope{ID: "x"}),
		"order without id":      corruptPayloadEnvelope,
		"consumer holds garbage": mustMarshal(t, map[string]any{
			"original_topic": kafka.TopicOrderEvents,
			"original_value": "not an envelope",
		}),
	}
	for name, value := range cases {
		if _, err := decodeDLQRecord(value, kafka.TopicOrderEvents); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// Моки вокруг sarama для прогона сканирования без брокера.

type stubOffsets struct {
	partitions []int32
	oldest     int64
	newest     int64
}

func (s stubOffsets) Partitions(string) ([]int32, error) { return s.partitions, nil }
func (s stubOffsets) GetOffset(_ string, _ int32, at int64) (int64, error) {
	if at == sarama.OffsetOldest {
		return s.oldest, nil
	}
	return s.newest, nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errs }
func (s *stubPartitionConsumer) Close() error                             { return nil }

type stubSource struct {
	consumer *stubPartitionConsumer
}

func (s stubSource) ConsumePartition(string, int32, int64) (partitionConsumer, error) {
	return s.consumer, nil
}

type stubSink struct {
	sent []*sarama.ProducerMessage
	err  error
}

func (s *stubSink) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	s.sent = append(s.sent, msg)
	return 0, int64(len(s.sent)), nil
}

func newStubDeps(t *testing.T, values [][]byte, sink messageSink) *dependencies {
	t.Helper()

	pc := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, len(values)),
		errs:     make(chan *sarama.ConsumerError, 1),
	}
	for i, value := range values {
		pc.messages <- &sarama.ConsumerMessage{
			Topic:     kafka.TopicDeadLetterQueue,
			Partition: 0,
			Offset:    int64(i),
			Value:     value,
		}
	}

	return &dependencies{
		offsets: stubOffsets{partitions: []int32{0}, oldest: 0, newest: int64(len(values))},
		source:  stubSource{consumer: pc},
		sink:    sink,
	}
}

func testConfig(execute bool) config {
	return config{
		brokers:     []string{"stub:9092"},
		dlqTopic:    kafka.TopicDeadLetterQueue,
		replayTopic: kafka.TopicOrderEvents,
		limit:       defaultScanLimit,
		execute:     execute,
		idleTimeout: 100 * time.Millisecond,
	}
}

func TestRunReplay_DryRunCountsWithoutPublishing(t *testing.T) {
	original, _ := makeOrderCreatedEnvelope(t, "order-1")
	consumerRecord := mustMarshal(t, map[string]any{
		"original_topic": kafka.TopicOrderEvents,
		"original_key":   "order-1",
		"original_value": string(original),
		"error_message":  "boom",
	})

	sink := &stubSink{}
	deps := newStubDeps(t, [][]byte{consumerRecord, []byte("garbage")}, sink)

	if err := runReplay(context.Background(), testConfig(false), deps); err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("dry-run must not publish, sent %d", len(sink.sent))
	}
}

func TestRunReplay_ExecutePublishesCandidates(t *testing.T) {
	original, _ := makeOrderCreatedEnvelope(t, "order-2")
	consumerRecord := mustMarshal(t, map[string]any{
		"original_topic": kafka.TopicOrderEvents,
		"original_key":   "order-2",
		"original_value": string(original),
		"error_message":  "boom",
	})

	sink := &stubSink{}
	deps := newStubDeps(t, [][]byte{consumerRecord, []byte("garbage")}, sink)

	if err := runReplay(context.Background(), testConfig(true), deps); err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected 1 published replay, got %d", len(sink.sent))
	}

	sent := sink.sent[0]
	if sent.Topic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected topic: %s", sent.Topic)
	}
	key, _ := sent.Key.Encode()
	if string(key) != "order-2" {
		t.Fatalf("unexpected key: %s", key)
	}
	value, _ := sent.Value.Encode()
	if string(value) != string(original) {
		t.Fatal("published replay must match the original event bytes")
	}
}

func TestRunReplay_ExecuteRequiresSink(t *testing.T) {
	deps := newStubDeps(t, nil, nil)
	if err := runReplay(context.Background(), testConfig(true), deps); err == nil {
		t.Fatal("expected error when producer is missing in execute mode")
	}
}

func TestRunReplay_PublishErrorStopsRun(t *testing.T) {
	original, _ := makeOrderCreatedEnvelope(t, "order-3")
	consumerRecord := mustMarshal(t, map[string]any{
		"original_topic": kafka.TopicOrderEvents,
		"original_key":   "order-3",
		"original_value": string(original),
	})

	sink := &stubSink{err: fmt.Errorf("send failed")}
	deps := newStubDeps(t, [][]byte{consumerRecord}, sink)

	if err := runReplay(context.Background(), testConfig(true), deps); err == nil {
		t.Fatal("expected publish error to abort the run")
	}
}

func TestRunReplay_EmptyPartitionFinishes(t *testing.T) {
	sink := &stubSink{}
	deps := newStubDeps(t, nil, sink)

	if err := runReplay(context.Background(), testConfig(false), deps); err != nil {
		t.Fatalf("runReplay failed on empty dlq: %v", err)
	}
}

func TestScanPartition_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Партиция обещает сообщения, но канал пуст: выйти можно только по ctx.
	pc := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errs:     make(chan *sarama.ConsumerError, 1),
	}
	deps := &dependencies{
		offsets: stubOffsets{partitions: []int32{0}, oldest: 0, newest: 5},
		source:  stubSource{consumer: pc},
		sink:    &stubSink{},
	}

	cfg := testConfig(false)
	cfg.idleTimeout = 5 * time.Second

	_, err := scanPartition(ctx, cfg, deps, 0, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
