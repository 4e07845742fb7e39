package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// HeaderIdempotencyKey — заголовок, включающий идемпотентную обработку POST /v1/orders.
const HeaderIdempotencyKey = "Idempotency-Key"

const defaultIdempotencyTTL = 24 * time.Hour

// OrderService описывает операции оформления и чтения заказов, нужные HTTP-слою.
type OrderService interface {
	Create(customerID string, lines []domain.LineRequest) (domain.Order, error)
	Get(id string) (domain.Order, error)
	ListByCustomer(customerID string, limit int) ([]domain.Order, error)
}

// Server — HTTP API магазина поверх echo.
type Server struct {
	e              *echo.Echo
	customers      domain.CustomerRepository
	products       domain.ProductRepository
	orders         OrderService
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	logger         *log.Entry
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт логгер сервера.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIdempotencyRepository включает идемпотентную обработку заказов.
func WithIdempotencyRepository(repo domain.IdempotencyRepository) Option {
	return func(s *Server) {
		s.idempotency = repo
	}
}

// WithIdempotencyTTL задаёт срок жизни записей идемпотентности.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// NewServer создаёт HTTP-сервер и регистрирует маршруты /v1.
func NewServer(
	customers domain.CustomerRepository,
	products domain.ProductRepository,
	orders OrderService,
	opts ...Option,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:              e,
		customers:      customers,
		products:       products,
		orders:         orders,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         log.WithField("component", "http-server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.HTTPErrorHandler = s.httpErrorHandler
	e.Use(middleware.Recover())

	v1 := e.Group("/v1")
	v1.POST("/customers", s.createCustomer)
	v1.GET("/customers/:id", s.getCustomer)
	v1.GET("/customers/:id/orders", s.listCustomerOrders)

	v1.POST("/products", s.createProduct)
	v1.GET("/products/:id", s.getProduct)
	v1.POST("/products/restock", s.restockProducts)

	v1.POST("/orders", s.createOrder)
	v1.GET("/orders/:id", s.getOrder)

	return s
}

// Start запускает сервер на указанном адресе и блокируется до остановки.
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("http server starting")
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// ServeHTTP позволяет использовать сервер напрямую в httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, errorMessage{Message: fmt.Sprintf("%v", httpErr.Message)})
		return
	}

	status, message := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Request().URL.Path,
		}).Error("request failed")
	}
	_ = c.JSON(status, errorMessage{Message: message})
}

// statusForError переводит доменную ошибку в HTTP-статус и текст ответа.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrCustomerEmailTaken),
		errors.Is(err, domain.ErrProductNameTaken),
		errors.Is(err, domain.ErrOrderAlreadyExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrNoProductsFound),
		errors.Is(err, domain.ErrCustomerRequired),
		errors.Is(err, domain.ErrLinesRequired),
		errors.Is(err, domain.ErrLineQtyInvalid),
		errors.Is(err, domain.ErrLinePriceInvalid),
		errors.Is(err, domain.ErrCustomerNameRequired),
		errors.Is(err, domain.ErrCustomerEmailRequired),
		errors.Is(err, domain.ErrProductNameRequired),
		errors.Is(err, domain.ErrProductPriceNegative),
		errors.Is(err, domain.ErrProductQtyNegative),
		errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
