package memory

import "github.com/vladislavdragonenkov/shop/internal/domain"

// productRepo — представление Store как domain.ProductRepository.
type productRepo struct {
	s *Store
}

// Create сохраняет новый товар, проверяя уникальность имени.
func (r productRepo) Create(product domain.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, taken := r.s.productsByName[product.Name]; taken {
		return domain.ErrProductNameTaken
	}
	r.s.products[product.ID] = product
	r.s.productsByName[product.Name] = product.ID
	return nil
}

// FindByID возвращает товар или ErrProductNotFound, если его нет.
func (r productRepo) FindByID(id string) (domain.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	product, ok := r.s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// FindAllByID возвращает найденные товары; отсутствующие и повторяющиеся id пропускаются.
func (r productRepo) FindAllByID(ids []string) ([]domain.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	seen := make(map[string]bool, len(ids))
	result := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if product, ok := r.s.products[id]; ok {
			result = append(result, product)
		}
	}
	return result, nil
}

// UpdateQuantity применяет пакет абсолютных обновлений остатков.
// Пакет применяется целиком: неизвестный товар отклоняет все обновления.
func (r productRepo) UpdateQuantity(updates []domain.QuantityUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, update := range updates {
		if _, ok := r.s.products[update.ProductID]; !ok {
			return &domain.ProductNotFoundError{ProductID: update.ProductID}
		}
		if update.Quantity < 0 {
			return domain.ErrProductQtyNegative
		}
	}
	for _, update := range updates {
		product := r.s.products[update.ProductID]
		product.Quantity = update.Quantity
		r.s.products[update.ProductID] = product
	}
	return nil
}

var _ domain.ProductRepository = productRepo{}
