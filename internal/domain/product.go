package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product представляет позицию каталога с текущей ценой и складским остатком.
type Product struct {
	ID string
	// Name — уникальное имя товара в каталоге.
	Name string
	// Price — актуальная цена за единицу. В заказах цена фиксируется на момент оформления.
	Price decimal.Decimal
	// Quantity — доступный остаток, не может быть отрицательным.
	Quantity  int32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты товара.
func (p *Product) ValidateInvariants() []error {
	var errs []error

	if p.Name == "" {
		errs = append(errs, ErrProductNameRequired)
	}
	if p.Price.IsNegative() {
		errs = append(errs, ErrProductPriceNegative)
	}
	if p.Quantity < 0 {
		errs = append(errs, ErrProductQtyNegative)
	}

	return errs
}

// LineRequest — входная пара (товар, количество) при оформлении заказа.
// Дубликаты product_id допустимы и не объединяются.
type LineRequest struct {
	ProductID string
	Quantity  int32
}

// QuantityUpdate задаёт новое абсолютное значение остатка товара.
type QuantityUpdate struct {
	ProductID string
	Quantity  int32
}

// StockDecrement задаёт уменьшение остатка товара на величину Quantity.
type StockDecrement struct {
	ProductID string
	Quantity  int32
}
