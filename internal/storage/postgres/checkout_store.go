package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type checkoutStore struct {
	db *sql.DB
}

// NewCheckoutStore создаёт PostgreSQL-реализацию CheckoutStore. Вставка заказа,
// условное списание остатков и запись события в outbox выполняются в одной
// транзакции, поэтому проигравший конкурентный запрос не оставляет следов.
func NewCheckoutStore(store *Store) domain.CheckoutStore {
	return &checkoutStore{db: store.DB()}
}

func (s *checkoutStore) PlaceOrder(order domain.Order, decrements []domain.StockDecrement, event domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4)
	`, order.ID, order.CustomerID, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			err = domain.ErrOrderAlreadyExists
			return err
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, line := range order.Lines {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO orders_products (id, order_id, product_id, quantity, price, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, line.ID, order.ID, line.ProductID, line.Quantity, line.Price, line.CreatedAt); err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}

	for _, dec := range decrements {
		if err = s.applyDecrement(ctx, tx, dec); err != nil {
			return err
		}
	}

	if event.EventType != "" {
		if err = s.enqueueEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit place order: %w", err)
	}

	return nil
}

// applyDecrement списывает остаток с охранным условием quantity >= requested.
// Ноль затронутых строк означает нехватку остатка либо отсутствие товара.
func (s *checkoutStore) applyDecrement(ctx context.Context, tx *sql.Tx, dec domain.StockDecrement) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity - $2,
		    updated_at = $3
		WHERE id = $1
		  AND quantity >= $2
	`, dec.ProductID, dec.Quantity, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, checkErr := s.productExistsTx(ctx, tx, dec.ProductID)
		if checkErr != nil {
			return checkErr
		}
		if !exists {
			return &domain.ProductNotFoundError{ProductID: dec.ProductID}
		}
		return &domain.InsufficientStockError{ProductID: dec.ProductID, Requested: dec.Quantity}
	}

	return nil
}

func (s *checkoutStore) enqueueEvent(ctx context.Context, tx *sql.Tx, event domain.OutboxMessage) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7)
	`, event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Payload, now, now); err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}

	return nil
}

func (s *checkoutStore) productExistsTx(ctx context.Context, tx *sql.Tx, productID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM products WHERE id = $1`, productID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check product exists: %w", err)
}

var _ domain.CheckoutStore = (*checkoutStore)(nil)
