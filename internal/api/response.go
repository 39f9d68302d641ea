package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"algo-trader-go/internal/engine"
	"algo-trader-go/market"
	"algo-trader-go/order"
	"algo-trader-go/risk"
)

// Response 统一的响应信封
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error 错误响应
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// Handle 根据错误类型选择状态码。
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}
	switch {
	case errors.Is(err, engine.ErrUnknownRun),
		errors.Is(err, engine.ErrUnknownAccount),
		errors.Is(err, order.ErrUnknownOrder):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, engine.ErrUnknownStrategy),
		errors.Is(err, engine.ErrInvalidRun),
		errors.Is(err, market.ErrInvalidCandle),
		errors.Is(err, risk.ErrInvalidIntent):
		fail(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, order.ErrNotCancellable),
		errors.Is(err, order.ErrDuplicateIntent):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, engine.ErrEngineNotRunning):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred")
	}
}

// Success POST 返回 201，其余 200。
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, Response{Success: true, Data: data})
}

// BadRequest 400
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{Success: false, Error: &Error{Code: code, Message: message}})
}
