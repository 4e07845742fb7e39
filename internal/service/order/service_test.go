package order

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
)

type fixture struct {
	service  *Service
	store    *memory.Store
	outbox   domain.OutboxRepository
	customer domain.Customer
	p1       domain.Product
	p2       domain.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	store := memory.NewStore(outbox)

	customer := domain.Customer{
		ID:    uuid.NewString(),
		Name:  "Alice",
		Email: uuid.NewString() + "@example.com",
	}
	require.NoError(t, store.Customers().Create(customer))

	p1 := domain.Product{
		ID:       uuid.NewString(),
		Name:     "widget-" + uuid.NewString(),
		Price:    decimal.RequireFromString("5.00"),
		Quantity: 10,
	}
	p2 := domain.Product{
		ID:       uuid.NewString(),
		Name:     "gadget-" + uuid.NewString(),
		Price:    decimal.RequireFromString("9.99"),
		Quantity: 3,
	}
	require.NoError(t, store.Products().Create(p1))
	require.NoError(t, store.Products().Create(p2))

	service := NewService(
		store.Customers(),
		store.Products(),
		store.Orders(),
		store,
		nil,
		log.WithField("test", "order-service"),
	)

	return &fixture{
		service:  service,
		store:    store,
		outbox:   outbox,
		customer: customer,
		p1:       p1,
		p2:       p2,
	}
}

func (f *fixture) productQuantity(t *testing.T, id string) int32 {
	t.Helper()
	product, err := f.store.Products().FindByID(id)
	require.NoError(t, err)
	return product.Quantity
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.Create(f.customer.ID, []domain.LineRequest{
		{ProductID: f.p1.ID, Quantity: 2},
		{ProductID: f.p2.ID, Quantity: 3},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, f.customer.ID, created.CustomerID)
	require.Len(t, created.Lines, 2)

	// Цены зафиксированы из каталога на момент оформления.
	require.True(t, created.Lines[0].Price.Equal(decimal.RequireFromString("5.00")))
	require.True(t, created.Lines[1].Price.Equal(decimal.RequireFromString("9.99")))
	require.True(t, created.Total().Equal(decimal.RequireFromString("39.97")), created.Total().String())

	require.Equal(t, int32(8), f.productQuantity(t, f.p1.ID))
	require.Equal(t, int32(0), f.productQuantity(t, f.p2.ID))

	stored, err := f.store.Orders().Get(created.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)

	pending, err := f.outbox.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, string(kafka.EventTypeOrderCreated), pending[0].EventType)
	require.Equal(t, created.ID, pending[0].AggregateID)

	var event kafka.OrderCreatedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	require.Equal(t, created.ID, event.OrderID)
	require.True(t, event.Total.Equal(decimal.RequireFromString("39.97")))
	require.Len(t, event.Lines, 2)
}

func TestCreate_LinePricesSurviveCatalogRepricing(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.Create(f.customer.ID, []domain.LineRequest{
		{ProductID: f.p1.ID, Quantity: 2},
	})
	require.NoError(t, err)

	// Товар переписывается в каталоге с новой ценой уже после оформления.
	repriced := f.p1
	repriced.Name = "widget-repriced-" + uuid.NewString()
	repriced.Price = decimal.RequireFromString("100.00")
	require.NoError(t, f.store.Products().Create(repriced))

	catalog, err := f.store.Products().FindByID(f.p1.ID)
	require.NoError(t, err)
	require.True(t, catalog.Price.Equal(decimal.RequireFromString("100.00")))

	// Повторное чтение заказа отдаёт цены на момент оформления, а не новые.
	reread, err := f.service.Get(created.ID)
	require.NoError(t, err)
	require.Len(t, reread.Lines, 1)
	require.True(t, reread.Lines[0].Price.Equal(decimal.RequireFromString("5.00")))
	require.True(t, reread.Total().Equal(decimal.RequireFromString("10.00")))
}

func TestCreate_DuplicateLinesAreNotMerged(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.Create(f.customer.ID, []domain.LineRequest{
		{ProductID: f.p1.ID, Quantity: 1},
		{ProductID: f.p1.ID, Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, created.Lines, 2)
	require.Equal(t, int32(7), f.productQuantity(t, f.p1.ID))
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)

	t.Run("empty customer id", func(t *testing.T) {
		_, err := f.service.Create("", []domain.LineRequest{{ProductID: f.p1.ID, Quantity: 1}})
		require.ErrorIs(t, err, domain.ErrCustomerRequired)
	})

	t.Run("invalid quantity", func(t *testing.T) {
		_, err := f.service.Create(f.customer.ID, []domain.LineRequest{{ProductID: f.p1.ID, Quantity: 0}})
		require.ErrorIs(t, err, domain.ErrLineQtyInvalid)
	})

	t.Run("customer not found", func(t *testing.T) {
		_, err := f.service.Create(uuid.NewString(), []domain.LineRequest{{ProductID: f.p1.ID, Quantity: 1}})
		require.ErrorIs(t, err, domain.ErrCustomerNotFound)
	})

	t.Run("no products found", func(t *testing.T) {
		_, err := f.service.Create(f.customer.ID, []domain.LineRequest{{ProductID: uuid.NewString(), Quantity: 1}})
		require.ErrorIs(t, err, domain.ErrNoProductsFound)
	})

	t.Run("first missing product is reported", func(t *testing.T) {
		missingFirst := uuid.NewString()
		missingSecond := uuid.NewString()
		_, err := f.service.Create(f.customer.ID, []domain.LineRequest{
			{ProductID: f.p1.ID, Quantity: 1},
			{ProductID: missingFirst, Quantity: 1},
			{ProductID: missingSecond, Quantity: 1},
		})

		var notFound *domain.ProductNotFoundError
		require.ErrorAs(t, err, &notFound)
		require.Equal(t, missingFirst, notFound.ProductID)
	})

	t.Run("first insufficient line is reported", func(t *testing.T) {
		_, err := f.service.Create(f.customer.ID, []domain.LineRequest{
			{ProductID: f.p2.ID, Quantity: 4},
			{ProductID: f.p1.ID, Quantity: 100},
		})

		var insufficient *domain.InsufficientStockError
		require.ErrorAs(t, err, &insufficient)
		require.Equal(t, f.p2.ID, insufficient.ProductID)
		require.Equal(t, int32(4), insufficient.Requested)
	})

	// Отклонённые запросы не оставляют следов ни в заказах, ни в остатках, ни в outbox.
	require.Equal(t, int32(10), f.productQuantity(t, f.p1.ID))
	require.Equal(t, int32(3), f.productQuantity(t, f.p2.ID))
	pending, err := f.outbox.PullPending(10)
	require.NoError(t, err)
	require.Empty(t, pending)

	orders, err := f.store.Orders().ListByCustomer(f.customer.ID, 0)
	require.NoError(t, err)
	require.Empty(t, orders)
}

type failingCheckout struct {
	err error
}

func (c *failingCheckout) PlaceOrder(domain.Order, []domain.StockDecrement, domain.OutboxMessage) error {
	return c.err
}

func TestCreate_CheckoutFailure(t *testing.T) {
	f := newFixture(t)

	t.Run("storage error is wrapped", func(t *testing.T) {
		storageErr := errors.New("connection reset")
		service := NewService(
			f.store.Customers(),
			f.store.Products(),
			f.store.Orders(),
			&failingCheckout{err: storageErr},
			nil,
			log.WithField("test", "order-service"),
		)

		_, err := service.Create(f.customer.ID, []domain.LineRequest{{ProductID: f.p1.ID, Quantity: 1}})
		require.ErrorIs(t, err, storageErr)
	})

	t.Run("lost stock race returns insufficient stock", func(t *testing.T) {
		raceErr := &domain.InsufficientStockError{ProductID: f.p1.ID, Requested: 1}
		service := NewService(
			f.store.Customers(),
			f.store.Products(),
			f.store.Orders(),
			&failingCheckout{err: raceErr},
			nil,
			log.WithField("test", "order-service"),
		)

		_, err := service.Create(f.customer.ID, []domain.LineRequest{{ProductID: f.p1.ID, Quantity: 1}})
		require.ErrorIs(t, err, domain.ErrInsufficientStock)
	})
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.Create(f.customer.ID, []domain.LineRequest{{ProductID: f.p1.ID, Quantity: 1}})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := f.service.Create(f.customer.ID, []domain.LineRequest{{ProductID: f.p1.ID, Quantity: 1}})
	require.NoError(t, err)

	got, err := f.service.Get(first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	_, err = f.service.Get(uuid.NewString())
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	orders, err := f.service.ListByCustomer(f.customer.ID, 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	// Свежие заказы идут первыми.
	require.Equal(t, second.ID, orders[0].ID)

	limited, err := f.service.ListByCustomer(f.customer.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
