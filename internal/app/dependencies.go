package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
	"github.com/vladislavdragonenkov/shop/internal/storage/postgres"
)

// Dependencies содержит хранилища и репозитории приложения.
type Dependencies struct {
	Customers   domain.CustomerRepository
	Products    domain.ProductRepository
	Orders      domain.OrderRepository
	Checkout    domain.CheckoutStore
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository

	// Store не nil только при работе поверх Postgres.
	Store  *postgres.Store
	Logger *log.Entry
}

// NewDependencies выбирает хранилище по конфигурации: Postgres при заданном DSN,
// иначе in-memory реализация для локальной разработки.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	if cfg.PostgresDSN == "" {
		logger.Warn("postgres dsn is not set, using in-memory storage")
		outboxRepo := memory.NewOutboxRepository()
		store := memory.NewStore(outboxRepo)
		return &Dependencies{
			Customers:   store.Customers(),
			Products:    store.Products(),
			Orders:      store.Orders(),
			Checkout:    store,
			Outbox:      outboxRepo,
			Idempotency: memory.NewIdempotencyRepository(),
			Logger:      logger,
		}, nil
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("postgres storage initialized")

	return &Dependencies{
		Customers:   postgres.NewCustomerRepository(store),
		Products:    postgres.NewProductRepository(store),
		Orders:      postgres.NewOrderRepository(store),
		Checkout:    postgres.NewCheckoutStore(store),
		Outbox:      postgres.NewOutboxRepository(store),
		Idempotency: postgres.NewIdempotencyRepository(store),
		Store:       store,
		Logger:      logger,
	}, nil
}

// Close освобождает ресурсы хранилища.
func (d *Dependencies) Close() error {
	if d == nil || d.Store == nil {
		return nil
	}
	return d.Store.Close()
}
