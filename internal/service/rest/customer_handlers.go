package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func (s *Server) createCustomer(c echo.Context) error {
	var req createCustomerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	now := time.Now().UTC()
	customer := domain.Customer{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errs := customer.ValidateInvariants(); len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := s.customers.Create(customer); err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, toCustomerResponse(customer))
}

func (s *Server) getCustomer(c echo.Context) error {
	customer, err := s.customers.FindByID(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toCustomerResponse(customer))
}

func (s *Server) listCustomerOrders(c echo.Context) error {
	customerID := c.Param("id")
	if _, err := s.customers.FindByID(customerID); err != nil {
		return err
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}

	orders, err := s.orders.ListByCustomer(customerID, limit)
	if err != nil {
		return err
	}

	responses := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		responses = append(responses, toOrderResponse(order))
	}
	return c.JSON(http.StatusOK, responses)
}
