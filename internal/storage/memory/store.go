package memory

import (
	"sync"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// Store — in-memory хранилище клиентов, каталога и заказов для локальной
// разработки и тестов. Общий mutex делает PlaceOrder по-настоящему атомарным:
// проверка остатков, списание и вставка заказа происходят под одной блокировкой.
type Store struct {
	mu               sync.RWMutex
	customers        map[string]domain.Customer
	customersByEmail map[string]string
	products         map[string]domain.Product
	productsByName   map[string]string
	orders           map[string]domain.Order

	outbox domain.OutboxRepository
}

// NewStore создаёт пустое in-memory хранилище.
// outbox может быть nil, тогда события при оформлении заказа не сохраняются.
func NewStore(outbox domain.OutboxRepository) *Store {
	return &Store{
		customers:        make(map[string]domain.Customer),
		customersByEmail: make(map[string]string),
		products:         make(map[string]domain.Product),
		productsByName:   make(map[string]string),
		orders:           make(map[string]domain.Order),
		outbox:           outbox,
	}
}

// Customers возвращает представление хранилища как репозитория клиентов.
func (s *Store) Customers() domain.CustomerRepository {
	return customerRepo{s: s}
}

// Products возвращает представление хранилища как репозитория каталога.
func (s *Store) Products() domain.ProductRepository {
	return productRepo{s: s}
}

// Orders возвращает представление хранилища как репозитория заказов.
func (s *Store) Orders() domain.OrderRepository {
	return orderRepo{s: s}
}

// PlaceOrder атомарно записывает заказ, списывает остатки и ставит событие в outbox.
// При нехватке остатка ни одно изменение не применяется.
func (s *Store) PlaceOrder(order domain.Order, decrements []domain.StockDecrement, event domain.OutboxMessage) error {
	s.mu.Lock()

	if _, exists := s.orders[order.ID]; exists {
		s.mu.Unlock()
		return domain.ErrOrderAlreadyExists
	}

	// Сначала проверяем все списания, затем применяем: либо всё, либо ничего.
	for _, dec := range decrements {
		product, ok := s.products[dec.ProductID]
		if !ok {
			s.mu.Unlock()
			return &domain.ProductNotFoundError{ProductID: dec.ProductID}
		}
		if product.Quantity < dec.Quantity {
			s.mu.Unlock()
			return &domain.InsufficientStockError{ProductID: dec.ProductID, Requested: dec.Quantity}
		}
	}

	// Событие ставится в outbox до применения записей и под тем же mutex:
	// если Enqueue вернул ошибку, ни заказ, ни списания не применяются.
	if s.outbox != nil {
		if _, err := s.outbox.Enqueue(event); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	for _, dec := range decrements {
		product := s.products[dec.ProductID]
		product.Quantity -= dec.Quantity
		product.UpdatedAt = order.CreatedAt
		s.products[dec.ProductID] = product
	}

	s.orders[order.ID] = cloneOrder(order)
	s.mu.Unlock()

	return nil
}

// cloneOrder копирует заказ вместе с позициями, чтобы избежать мутаций извне.
func cloneOrder(order domain.Order) domain.Order {
	lines := make([]domain.OrderLine, len(order.Lines))
	copy(lines, order.Lines)
	order.Lines = lines
	return order
}

var _ domain.CheckoutStore = (*Store)(nil)
