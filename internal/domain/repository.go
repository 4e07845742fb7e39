package domain

// CustomerRepository описывает требования к хранилищу клиентов.
type CustomerRepository interface {
	// Create сохраняет нового клиента. Возвращает ErrCustomerEmailTaken при конфликте email.
	Create(customer Customer) error
	// FindByID возвращает клиента по идентификатору или ErrCustomerNotFound, если его нет.
	FindByID(id string) (Customer, error)
	// FindByEmail возвращает клиента по email или ErrCustomerNotFound.
	FindByEmail(email string) (Customer, error)
}

// ProductRepository описывает требования к хранилищу каталога товаров.
type ProductRepository interface {
	// Create сохраняет новый товар. Возвращает ErrProductNameTaken при конфликте имени.
	Create(product Product) error
	// FindByID возвращает товар по идентификатору или ErrProductNotFound.
	FindByID(id string) (Product, error)
	// FindAllByID возвращает товары по списку идентификаторов. Сопоставление идёт
	// только по id; отсутствующие и повторяющиеся id молча пропускаются, поэтому
	// результат может быть короче запроса.
	FindAllByID(ids []string) ([]Product, error)
	// UpdateQuantity применяет пакет абсолютных обновлений остатков.
	UpdateQuantity(updates []QuantityUpdate) error
}

// OrderRepository описывает требования к хранилищу заказов на чтение.
type OrderRepository interface {
	// Get возвращает заказ с позициями по идентификатору или ErrOrderNotFound.
	Get(id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(customerID string, limit int) ([]Order, error)
}

// CheckoutStore выполняет запись заказа одним атомарным шагом: вставка заказа с
// позициями, условное уменьшение остатков (остаток не может уйти ниже нуля) и
// постановка события в outbox. При нехватке остатка возвращает
// *InsufficientStockError, и никакие изменения не применяются.
type CheckoutStore interface {
	PlaceOrder(order Order, decrements []StockDecrement, event OutboxMessage) error
}
