package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLine представляет одну позицию заказа.
type OrderLine struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// ProductID — ссылка на товар каталога.
	ProductID string
	// Quantity — количество единиц товара.
	Quantity int32
	// Price — цена за единицу, зафиксированная в момент оформления заказа.
	// Последующие изменения цены товара не влияют на уже созданный заказ.
	Price decimal.Decimal
	// CreatedAt фиксирует момент добавления позиции в заказ.
	CreatedAt time.Time
}

// Order агрегирует заказ клиента и его позиции. После создания заказ не мутируется.
type Order struct {
	ID         string
	CustomerID string
	Lines      []OrderLine
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Total возвращает сумму заказа как сумму qty * price по позициям.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}

	for _, line := range o.Lines {
		if line.Quantity <= 0 {
			errs = append(errs, ErrLineQtyInvalid)
		}
		if line.Price.IsNegative() {
			errs = append(errs, ErrLinePriceInvalid)
		}
	}

	return errs
}
