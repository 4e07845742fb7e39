package rest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func (s *Server) createOrder(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
	if key == "" || s.idempotency == nil {
		order, err := s.orders.Create(req.CustomerID, toLineRequests(req.Lines))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, toOrderResponse(order))
	}

	return s.createOrderIdempotent(c, key, body, req)
}

// createOrderIdempotent регистрирует ключ до оформления заказа и сохраняет итоговый
// ответ, чтобы повторная доставка того же запроса вернула тот же результат без
// повторного списания остатков.
func (s *Server) createOrderIdempotent(c echo.Context, key string, body []byte, req createOrderRequest) error {
	hash := requestHash(body)

	_, err := s.idempotency.CreateProcessing(key, hash, time.Now().UTC().Add(s.idempotencyTTL))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return err
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return s.replayIdempotent(c, key)
	default:
		return err
	}

	order, err := s.orders.Create(req.CustomerID, toLineRequests(req.Lines))
	if err != nil {
		status, message := statusForError(err)
		failureBody, marshalErr := json.Marshal(errorMessage{Message: message})
		if marshalErr == nil {
			if markErr := s.idempotency.MarkFailed(key, failureBody, status); markErr != nil {
				s.logger.WithError(markErr).WithField("idempotency_key", key).Warn("failed to record idempotent failure")
			}
		}
		return err
	}

	responseBody, err := json.Marshal(toOrderResponse(order))
	if err != nil {
		return err
	}
	if markErr := s.idempotency.MarkDone(key, responseBody, http.StatusCreated); markErr != nil {
		s.logger.WithError(markErr).WithField("idempotency_key", key).Warn("failed to record idempotent response")
	}

	return c.JSONBlob(http.StatusCreated, responseBody)
}

// replayIdempotent возвращает сохранённый ответ по ранее обработанному ключу.
func (s *Server) replayIdempotent(c echo.Context, key string) error {
	record, err := s.idempotency.Get(key)
	if err != nil {
		return err
	}
	if record.Status == domain.IdempotencyStatusProcessing {
		return echo.NewHTTPError(http.StatusConflict, "request with this idempotency key is still being processed")
	}
	return c.JSONBlob(record.HTTPStatus, record.ResponseBody)
}

func (s *Server) getOrder(c echo.Context) error {
	order, err := s.orders.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toOrderResponse(order))
}

func requestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
