package app

import (
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
)

// Переменные окружения, из которых читается конфигурация.
const (
	EnvHTTPAddr           = "SHOP_HTTP_ADDR"
	EnvOpsAddr            = "SHOP_OPS_ADDR"
	EnvPostgresDSN        = "SHOP_POSTGRES_DSN"
	EnvKafkaBrokers       = "SHOP_KAFKA_BROKERS"
	EnvOrderEventsTopic   = "SHOP_ORDER_EVENTS_TOPIC"
	EnvIdempotencyTTL     = "SHOP_IDEMPOTENCY_TTL"
	EnvOutboxPollInterval = "SHOP_OUTBOX_POLL_INTERVAL"
)

// Config описывает настройки запуска приложения.
type Config struct {
	// HTTPAddr — адрес публичного REST API.
	HTTPAddr string
	// OpsAddr — адрес служебного сервера с метриками и health-чеками.
	OpsAddr string
	// PostgresDSN — строка подключения к Postgres. Пустая строка включает in-memory хранилище.
	PostgresDSN string
	// KafkaBrokers — список брокеров Kafka. Пустой список отключает публикацию событий.
	KafkaBrokers []string
	// OrderEventsTopic — topic для событий заказов.
	OrderEventsTopic string
	// IdempotencyTTL — срок жизни записей идемпотентности.
	IdempotencyTTL time.Duration
	// OutboxPollInterval — период опроса outbox воркером.
	OutboxPollInterval time.Duration
}

// DefaultConfig возвращает базовые настройки приложения.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:           ":8080",
		OpsAddr:            ":9090",
		OrderEventsTopic:   kafka.TopicOrderEvents,
		IdempotencyTTL:     24 * time.Hour,
		OutboxPollInterval: time.Second,
	}
}

// ConfigFromEnv строит конфигурацию из переменных окружения поверх значений по умолчанию.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if addr := os.Getenv(EnvHTTPAddr); addr != "" {
		cfg.HTTPAddr = addr
	}
	if addr := os.Getenv(EnvOpsAddr); addr != "" {
		cfg.OpsAddr = addr
	}
	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" {
		cfg.PostgresDSN = dsn
	}
	if brokers := os.Getenv(EnvKafkaBrokers); brokers != "" {
		cfg.KafkaBrokers = splitBrokers(brokers)
	}
	if topic := os.Getenv(EnvOrderEventsTopic); topic != "" {
		cfg.OrderEventsTopic = topic
	}
	if raw := os.Getenv(EnvIdempotencyTTL); raw != "" {
		if ttl, err := time.ParseDuration(raw); err == nil && ttl > 0 {
			cfg.IdempotencyTTL = ttl
		}
	}
	if raw := os.Getenv(EnvOutboxPollInterval); raw != "" {
		if interval, err := time.ParseDuration(raw); err == nil && interval > 0 {
			cfg.OutboxPollInterval = interval
		}
	}

	return cfg
}

func splitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}
