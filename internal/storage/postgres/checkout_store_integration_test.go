package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func seedCheckoutFixture(t *testing.T, store *Store) (domain.Customer, domain.Product) {
	t.Helper()

	customer := sampleCustomer(uuid.NewString() + "@example.com")
	if err := NewCustomerRepository(store).Create(customer); err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	product := sampleProduct("Checkout Product "+uuid.NewString(), "5.00", 10)
	if err := NewProductRepository(store).Create(product); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	return customer, product
}

func buildOrder(customerID, productID string, qty int32, price string) domain.Order {
	now := time.Now().UTC().Round(time.Microsecond)
	return domain.Order{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Lines: []domain.OrderLine{
			{
				ID:        uuid.NewString(),
				ProductID: productID,
				Quantity:  qty,
				Price:     decimal.RequireFromString(price),
				CreatedAt: now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCheckoutStore_PostgresPlaceOrder(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	customer, product := seedCheckoutFixture(t, store)

	checkout := NewCheckoutStore(store)
	order := buildOrder(customer.ID, product.ID, 4, "5.00")
	event := domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     "order.created",
		Payload:       []byte(`{"order_id":"` + order.ID + `"}`),
	}

	if err := checkout.PlaceOrder(order, []domain.StockDecrement{{ProductID: product.ID, Quantity: 4}}, event); err != nil {
		t.Fatalf("place order: %v", err)
	}

	stored, err := NewOrderRepository(store).Get(order.ID)
	if err != nil {
		t.Fatalf("get stored order: %v", err)
	}
	if len(stored.Lines) != 1 || stored.Lines[0].Quantity != 4 {
		t.Fatalf("unexpected stored order: %+v", stored)
	}
	if !stored.Lines[0].Price.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("unexpected snapshotted price: %s", stored.Lines[0].Price)
	}

	remaining, err := NewProductRepository(store).FindByID(product.ID)
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if remaining.Quantity != 6 {
		t.Fatalf("stock not decremented: %d", remaining.Quantity)
	}

	pending, err := NewOutboxRepository(store).PullPending(10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 1 || pending[0].AggregateID != order.ID {
		t.Fatalf("expected enqueued order.created event, got %+v", pending)
	}
}

func TestCheckoutStore_PostgresInsufficientStockRollsBack(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	customer, product := seedCheckoutFixture(t, store)

	checkout := NewCheckoutStore(store)
	order := buildOrder(customer.ID, product.ID, 11, "5.00")

	err := checkout.PlaceOrder(order, []domain.StockDecrement{{ProductID: product.ID, Quantity: 11}}, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     "order.created",
		Payload:       []byte(`{}`),
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected typed InsufficientStockError, got %T", err)
	}
	if stockErr.ProductID != product.ID || stockErr.Requested != 11 {
		t.Fatalf("unexpected error payload: %+v", stockErr)
	}

	// Ни заказа, ни события, ни списания остатка.
	if _, err := NewOrderRepository(store).Get(order.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("order must not be stored, got %v", err)
	}
	remaining, err := NewProductRepository(store).FindByID(product.ID)
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if remaining.Quantity != 10 {
		t.Fatalf("stock must stay intact: %d", remaining.Quantity)
	}
	pending, err := NewOutboxRepository(store).PullPending(10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("no event must be enqueued, got %d", len(pending))
	}
}

func TestCheckoutStore_PostgresDuplicateOrderID(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	customer, product := seedCheckoutFixture(t, store)

	checkout := NewCheckoutStore(store)
	order := buildOrder(customer.ID, product.ID, 1, "5.00")

	if err := checkout.PlaceOrder(order, []domain.StockDecrement{{ProductID: product.ID, Quantity: 1}}, domain.OutboxMessage{}); err != nil {
		t.Fatalf("first place order: %v", err)
	}

	err := checkout.PlaceOrder(order, []domain.StockDecrement{{ProductID: product.ID, Quantity: 1}}, domain.OutboxMessage{})
	if !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists, got %v", err)
	}
}
