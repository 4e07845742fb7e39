package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func (s *Server) createProduct(c echo.Context) error {
	var req createProductRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	now := time.Now().UTC()
	product := domain.Product{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Price:     req.Price,
		Quantity:  req.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := s.products.Create(product); err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, toProductResponse(product))
}

func (s *Server) getProduct(c echo.Context) error {
	product, err := s.products.FindByID(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toProductResponse(product))
}

// restockProducts применяет абсолютные обновления остатков одним пакетом.
func (s *Server) restockProducts(c echo.Context) error {
	var req restockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Updates) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "updates must not be empty")
	}

	updates := make([]domain.QuantityUpdate, 0, len(req.Updates))
	for _, update := range req.Updates {
		if update.Quantity < 0 {
			return domain.ErrProductQtyNegative
		}
		updates = append(updates, domain.QuantityUpdate{
			ProductID: update.ProductID,
			Quantity:  update.Quantity,
		})
	}

	if err := s.products.UpdateQuantity(updates); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
