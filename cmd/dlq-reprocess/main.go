package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
)

// Инструмент переотправки событий заказов из shop.dlq обратно в рабочий topic.
// В DLQ события попадают двумя путями: консьюмер складывает туда сообщение,
// которое не смог обработать, а outbox-воркер — событие, которое не смог
// опубликовать. Обе формы приводятся к свежему Envelope и уходят заново.

const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	dlqTopic    string
	replayTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// consumerDLQRecord — форма, в которой консьюмер хоронит необработанное
// сообщение: исходные байты события лежат в original_value.
type consumerDLQRecord struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
	ErrorMessage  string `json:"error_message"`
	RetryCount    int    `json:"retry_count"`
}

// outboxDLQRecord — payload Envelope, который outbox-воркер публикует в DLQ
// после исчерпания попыток: исходный payload события сохранён как есть.
type outboxDLQRecord struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// replayCandidate — готовое к переотправке сообщение.
type replayCandidate struct {
	topic string
	key   string
	value []byte
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	deps, err := connectKafka(cfg)
	if err != nil {
		fail("connect kafka: %v", err)
	}
	defer deps.close()

	if err := runReplay(context.Background(), cfg, deps); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseFlags(args []string) (config, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)

	var (
		brokersRaw string
		cfg        config
	)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers, comma-separated (fallback: SHOP_KAFKA_BROKERS)")
	fs.StringVar(&cfg.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&cfg.replayTopic, "replay-topic", kafka.TopicOrderEvents, "topic to replay order events into")
	fs.IntVar(&cfg.limit, "limit", defaultScanLimit, "max messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "actually publish; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages first, bounded by limit")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop scanning a partition after this silence")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("SHOP_KAFKA_BROKERS")
	}
	for _, chunk := range strings.Split(brokersRaw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			cfg.brokers = append(cfg.brokers, broker)
		}
	}

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or SHOP_KAFKA_BROKERS)")
	case strings.TrimSpace(cfg.dlqTopic) == "":
		return config{}, fmt.Errorf("dlq-topic is required")
	case strings.TrimSpace(cfg.replayTopic) == "":
		return config{}, fmt.Errorf("replay-topic is required")
	case cfg.limit <= 0:
		return config{}, fmt.Errorf("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	return cfg, nil
}

// Узкие интерфейсы вокруг sarama, чтобы прогонять replay в тестах на моках.

type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
}

type messageSink interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

type dependencies struct {
	offsets offsetReader
	source  partitionSource
	sink    messageSink

	closers []func() error
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func connectKafka(cfg config) (*dependencies, error) {
	clientConfig := sarama.NewConfig()
	clientConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	deps := &dependencies{offsets: client, closers: []func() error{client.Close}}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps.source = saramaSource{consumer: consumer}
	deps.closers = append(deps.closers, consumer.Close)

	if !cfg.execute {
		return deps, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	deps.sink = producer
	deps.closers = append(deps.closers, producer.Close)

	return deps, nil
}

type replayTotals struct {
	scanned  int
	replayed int
	skipped  int
}

func runReplay(ctx context.Context, cfg config, deps *dependencies) error {
	if deps == nil || deps.offsets == nil || deps.source == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && deps.sink == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"dlq_topic":    cfg.dlqTopic,
		"replay_topic": cfg.replayTopic,
		"limit":        cfg.limit,
		"mode":         mode,
	}).Info("scanning dlq for order events")

	partitions, err := deps.offsets.Partitions(cfg.dlqTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.dlqTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.dlqTopic).Warn("dlq topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var totals replayTotals
	for _, partition := range partitions {
		if totals.scanned >= cfg.limit {
			break
		}
		part, err := scanPartition(ctx, cfg, deps, partition, cfg.limit-totals.scanned)
		if err != nil {
			return err
		}
		totals.scanned += part.scanned
		totals.replayed += part.replayed
		totals.skipped += part.skipped
	}

	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  totals.scanned,
		"replayed": totals.replayed,
		"skipped":  totals.skipped,
	}).Info("dlq replay finished")
	return nil
}

func scanPartition(ctx context.Context, cfg config, deps *dependencies, partition int32, limit int) (replayTotals, error) {
	var totals replayTotals
	if limit <= 0 {
		return totals, nil
	}

	oldest, err := deps.offsets.GetOffset(cfg.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return totals, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := deps.offsets.GetOffset(cfg.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return totals, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return totals, nil
	}

	start := oldest
	if cfg.fromNewest {
		if start = newest - int64(limit); start < oldest {
			start = oldest
		}
	}

	pc, err := deps.source.ConsumePartition(cfg.dlqTopic, partition, start)
	if err != nil {
		return totals, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for totals.scanned < limit {
		select {
		case <-ctx.Done():
			return totals, ctx.Err()
		case consumeErr := <-pc.Errors():
			if consumeErr != nil {
				return totals, fmt.Errorf("partition %d consumer error: %w", partition, consumeErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return totals, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.idleTimeout)

			if msg.Offset >= newest {
				return totals, nil
			}

			totals.scanned++
			if err := handleDLQMessage(cfg, deps.sink, msg, &totals); err != nil {
				return totals, err
			}
			if msg.Offset+1 >= newest {
				return totals, nil
			}
		case <-idle.C:
			return totals, nil
		}
	}
	return totals, nil
}

func handleDLQMessage(cfg config, sink messageSink, msg *sarama.ConsumerMessage, totals *replayTotals) error {
	candidate, err := decodeDLQRecord(msg.Value, cfg.replayTopic)
	if err != nil {
		totals.skipped++
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip dlq message")
		return nil
	}

	if !cfg.execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"replay_topic": candidate.topic,
			"key":          candidate.key,
		}).Info("dlq replay candidate")
		totals.replayed++
		return nil
	}

	_, _, err = sink.SendMessage(&sarama.ProducerMessage{
		Topic:     candidate.topic,
		Key:       sarama.StringEncoder(candidate.key),
		Value:     sarama.ByteEncoder(candidate.value),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	totals.replayed++
	return nil
}

// decodeDLQRecord приводит запись DLQ к сообщению для переотправки.
// Поддерживаются обе формы, которые пишет этот сервис: запись консьюмера с
// original_value и Envelope outbox-воркера с сохранённым payload события.
func decodeDLQRecord(value []byte, replayTopic string) (replayCandidate, error) {
	var consumerRecord consumerDLQRecord
	if err := json.Unmarshal(value, &consumerRecord); err == nil && consumerRecord.OriginalValue != "" {
		original := []byte(consumerRecord.OriginalValue)
		if err := validateEventBytes(original); err != nil {
			return replayCandidate{}, fmt.Errorf("consumer dlq record holds invalid event: %w", err)
		}

		topic := strings.TrimSpace(consumerRecord.OriginalTopic)
		if topic == "" {
			topic = replayTopic
		}
		return replayCandidate{topic: topic, key: consumerRecord.OriginalKey, value: original}, nil
	}

	var envelope kafka.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayCandidate{}, fmt.Errorf("unsupported dlq record format")
	}

	var outboxRecord outboxDLQRecord
	if err := json.Unmarshal(envelope.Payload, &outboxRecord); err != nil {
		return replayCandidate{}, fmt.Errorf("decode outbox dlq record: %w", err)
	}
	if len(outboxRecord.Payload) == 0 {
		return replayCandidate{}, fmt.Errorf("outbox dlq record has no original event payload")
	}

	replay := kafka.Envelope{
		ID:            firstNonEmpty(outboxRecord.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(outboxRecord.AggregateType, envelope.AggregateType, kafka.AggregateTypeOrder),
		AggregateID:   firstNonEmpty(outboxRecord.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(outboxRecord.EventType, envelope.EventType),
		Payload:       outboxRecord.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	if err := validateOrderPayload(replay.EventType, replay.Payload); err != nil {
		return replayCandidate{}, err
	}

	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayCandidate{}, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replayCandidate{
		topic: replayTopic,
		key:   firstNonEmpty(replay.AggregateID, replay.ID),
		value: encoded,
	}, nil
}

// validateEventBytes проверяет, что исходные байты — Envelope события заказа.
func validateEventBytes(value []byte) error {
	var envelope kafka.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return fmt.Errorf("original value is not an event envelope: %w", err)
	}
	return validateOrderPayload(envelope.EventType, envelope.Payload)
}

// validateOrderPayload отсеивает битые события до их возврата в рабочий topic.
func validateOrderPayload(eventType string, payload json.RawMessage) error {
	if eventType != string(kafka.EventTypeOrderCreated) {
		// Неизвестные типы переотправляются как есть: DLQ общий для всех
		// событий магазина, а валидировать мы умеем только известные payload.
		return nil
	}

	var event kafka.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("corrupt %s payload: %w", kafka.EventTypeOrderCreated, err)
	}
	if event.OrderID == "" {
		return fmt.Errorf("%s payload has no order id", kafka.EventTypeOrderCreated)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
