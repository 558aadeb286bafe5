// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误 (1xxx)
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"

	// 支付 (2xxx)
	CodeDuplicateTransaction Code = "DUPLICATE_TRANSACTION"
	CodePaymentNotFound      Code = "PAYMENT_NOT_FOUND"
	CodeInvalidAmount        Code = "INVALID_AMOUNT"
	CodeUnsupportedCurrency  Code = "UNSUPPORTED_CURRENCY"
	CodeSagaFailed           Code = "SAGA_FAILED"

	// 资金 (3xxx)
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeReservationFailed   Code = "RESERVATION_FAILED"
	CodeCompensationFailed  Code = "COMPENSATION_FAILED"

	// 系统 (9xxx)
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeUnavailable, CodeTimeout, CodeSystemBusy:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidAmount,
		CodeUnsupportedCurrency, CodeInsufficientBalance:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodePaymentNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeDuplicateTransaction:
		return http.StatusConflict
	case CodeInternal, CodeUnknown, CodeSagaFailed, CodeCompensationFailed,
		CodeReservationFailed:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam         = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound             = New(CodeNotFound, "not found")
	ErrUnauthenticated      = New(CodeUnauthenticated, "unauthenticated")
	ErrPaymentNotFound      = New(CodePaymentNotFound, "payment not found")
	ErrDuplicateTransaction = New(CodeDuplicateTransaction, "transaction already exists")
	ErrInsufficientBalance  = New(CodeInsufficientBalance, "insufficient balance")
	ErrSystemBusy           = New(CodeSystemBusy, "system busy, please retry")
)
