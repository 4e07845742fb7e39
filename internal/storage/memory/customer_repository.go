package memory

import "github.com/vladislavdragonenkov/shop/internal/domain"

// customerRepo — представление Store как domain.CustomerRepository.
type customerRepo struct {
	s *Store
}

// Create сохраняет нового клиента, проверяя уникальность email.
func (r customerRepo) Create(customer domain.Customer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, taken := r.s.customersByEmail[customer.Email]; taken {
		return domain.ErrCustomerEmailTaken
	}
	r.s.customers[customer.ID] = customer
	r.s.customersByEmail[customer.Email] = customer.ID
	return nil
}

// FindByID возвращает клиента или ErrCustomerNotFound, если его нет.
func (r customerRepo) FindByID(id string) (domain.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	customer, ok := r.s.customers[id]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return customer, nil
}

// FindByEmail возвращает клиента по email или ErrCustomerNotFound.
func (r customerRepo) FindByEmail(email string) (domain.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.customersByEmail[email]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return r.s.customers[id], nil
}

var _ domain.CustomerRepository = customerRepo{}
