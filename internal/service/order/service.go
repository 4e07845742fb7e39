package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
)

// Service реализует оформление заказа: валидация клиента и корзины, фиксация цен
// и атомарная запись заказа вместе со списанием остатков и событием outbox.
type Service struct {
	customers domain.CustomerRepository
	products  domain.ProductRepository
	orders    domain.OrderRepository
	checkout  domain.CheckoutStore
	metrics   *metrics.OrderMetrics
	logger    *log.Entry
}

// NewService конструирует сервис с зависимостями.
func NewService(
	customers domain.CustomerRepository,
	products domain.ProductRepository,
	orders domain.OrderRepository,
	checkout domain.CheckoutStore,
	orderMetrics *metrics.OrderMetrics,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}
	return &Service{
		customers: customers,
		products:  products,
		orders:    orders,
		checkout:  checkout,
		metrics:   orderMetrics,
		logger:    logger,
	}
}

// Create оформляет заказ клиента по списку запрошенных позиций.
//
// Последовательность проверок повторяет порядок оригинального бизнес-процесса:
// клиент, затем bulk-поиск товаров, затем отсутствующие товары (сообщается только
// первый), затем нехватка остатков (тоже только первая позиция). Цена каждой
// позиции фиксируется из каталога на момент оформления. Запись заказа, списание
// остатков и событие order.created применяются одним атомарным шагом хранилища,
// поэтому частично оформленного заказа не бывает, а параллельные заказы на один
// товар не могут увести остаток ниже нуля.
func (s *Service) Create(customerID string, lines []domain.LineRequest) (domain.Order, error) {
	started := time.Now()

	order, err := s.create(customerID, lines)
	if err != nil {
		s.recordRejection(err)
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated(len(order.Lines), time.Since(started))
		s.metrics.RecordOutboxEvent()
	}
	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"lines":       len(order.Lines),
	}).Info("order created")

	return order, nil
}

func (s *Service) create(customerID string, lines []domain.LineRequest) (domain.Order, error) {
	if customerID == "" {
		return domain.Order{}, domain.ErrCustomerRequired
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return domain.Order{}, domain.ErrLineQtyInvalid
		}
	}

	customer, err := s.customers.FindByID(customerID)
	if err != nil {
		if errors.Is(err, domain.ErrCustomerNotFound) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("find customer: %w", err)
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}

	existing, err := s.products.FindAllByID(ids)
	if err != nil {
		return domain.Order{}, fmt.Errorf("find products: %w", err)
	}
	if len(existing) == 0 {
		return domain.Order{}, domain.ErrNoProductsFound
	}

	byID := make(map[string]domain.Product, len(existing))
	for _, product := range existing {
		byID[product.ID] = product
	}

	// Сообщаем только первый отсутствующий товар, как и первый с нехваткой остатка.
	for _, line := range lines {
		if _, ok := byID[line.ProductID]; !ok {
			return domain.Order{}, &domain.ProductNotFoundError{ProductID: line.ProductID}
		}
	}
	for _, line := range lines {
		if line.Quantity > byID[line.ProductID].Quantity {
			return domain.Order{}, &domain.InsufficientStockError{
				ProductID: line.ProductID,
				Requested: line.Quantity,
			}
		}
	}

	now := time.Now().UTC()
	orderLines := make([]domain.OrderLine, 0, len(lines))
	decrements := make([]domain.StockDecrement, 0, len(lines))
	for _, line := range lines {
		orderLines = append(orderLines, domain.OrderLine{
			ID:        uuid.NewString(),
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     byID[line.ProductID].Price,
			CreatedAt: now,
		})
		decrements = append(decrements, domain.StockDecrement{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		})
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		CustomerID: customer.ID,
		Lines:      orderLines,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	event, err := buildOrderCreatedMessage(order, now)
	if err != nil {
		return domain.Order{}, fmt.Errorf("build order.created event: %w", err)
	}

	if err := s.checkout.PlaceOrder(order, decrements, event); err != nil {
		// Проигравший гонку за остаток получает ту же ошибку, что и при проверке выше.
		if errors.Is(err, domain.ErrInsufficientStock) {
			return domain.Order{}, err
		}
		s.logger.WithError(err).WithField("customer_id", customerID).Error("failed to place order")
		return domain.Order{}, fmt.Errorf("place order: %w", err)
	}

	return order, nil
}

// Get возвращает заказ с позициями по идентификатору.
func (s *Service) Get(id string) (domain.Order, error) {
	return s.orders.Get(id)
}

// ListByCustomer возвращает заказы клиента, ограничивая выборку limit (если >0).
func (s *Service) ListByCustomer(customerID string, limit int) ([]domain.Order, error) {
	return s.orders.ListByCustomer(customerID, limit)
}

func buildOrderCreatedMessage(order domain.Order, occurred time.Time) (domain.OutboxMessage, error) {
	payload := kafka.OrderCreatedEvent{
		EventType:  kafka.EventTypeOrderCreated,
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Total:      order.Total(),
		Lines:      make([]kafka.OrderLinePayload, 0, len(order.Lines)),
		Timestamp:  occurred,
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, kafka.OrderLinePayload{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     line.Price,
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	return domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: kafka.AggregateTypeOrder,
		AggregateID:   order.ID,
		EventType:     string(kafka.EventTypeOrderCreated),
		Payload:       data,
	}, nil
}

func (s *Service) recordRejection(err error) {
	if s.metrics == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		s.metrics.RecordOrderRejected(metrics.ReasonCustomerNotFound)
	case errors.Is(err, domain.ErrNoProductsFound):
		s.metrics.RecordOrderRejected(metrics.ReasonNoProductsFound)
	case errors.Is(err, domain.ErrProductNotFound):
		s.metrics.RecordOrderRejected(metrics.ReasonProductNotFound)
	case errors.Is(err, domain.ErrInsufficientStock):
		s.metrics.RecordOrderRejected(metrics.ReasonInsufficientStock)
	case errors.Is(err, domain.ErrLineQtyInvalid), errors.Is(err, domain.ErrCustomerRequired):
		s.metrics.RecordOrderRejected(metrics.ReasonInvalidRequest)
	default:
		s.metrics.RecordOrderRejected(metrics.ReasonInternal)
	}
}
