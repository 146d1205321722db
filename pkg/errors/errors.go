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
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeNotFound       Code = "NOT_FOUND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 交易
	CodePairNotFound     Code = "PAIR_NOT_FOUND"
	CodeInvalidOrder     Code = "INVALID_ORDER"
	CodeInvalidPrice     Code = "INVALID_PRICE"
	CodeInvalidQuantity  Code = "INVALID_QUANTITY"
	CodeOrderNotFound    Code = "ORDER_NOT_FOUND"
	CodeAlreadyTerminal  Code = "ALREADY_TERMINAL"
	CodeNoLiquidity      Code = "NO_LIQUIDITY"

	// 保证金与清算
	CodeInsufficientMargin Code = "INSUFFICIENT_MARGIN"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeLiquidationBadDebt Code = "LIQUIDATION_BAD_DEBT"
	CodePositionNotFound   Code = "POSITION_NOT_FOUND"

	// 出入金
	CodeDepositLimitExceeded Code = "DEPOSIT_LIMIT_EXCEEDED"
	CodeDepositNotEligible   Code = "DEPOSIT_NOT_ELIGIBLE"

	// 并发
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeEngineBusy          Code = "ENGINE_BUSY"
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

// CodeOf 提取业务错误码，非业务错误返回 UNKNOWN
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeUnknown
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeConcurrencyConflict, CodeEngineBusy, CodeTimeout, CodeUnavailable:
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
	case CodeInvalidParam, CodeInvalidOrder, CodeInvalidPrice, CodeInvalidQuantity,
		CodePairNotFound, CodeDepositLimitExceeded, CodeDepositNotEligible,
		CodeNoLiquidity:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound, CodeOrderNotFound, CodePositionNotFound:
		return http.StatusNotFound
	case CodeAlreadyTerminal:
		return http.StatusConflict
	case CodeInsufficientMargin, CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case CodeConcurrencyConflict, CodeEngineBusy:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrPairNotFound       = New(CodePairNotFound, "trading pair not found")
	ErrOrderNotFound      = New(CodeOrderNotFound, "order not found")
	ErrAlreadyTerminal    = New(CodeAlreadyTerminal, "order already terminal")
	ErrInsufficientMargin = New(CodeInsufficientMargin, "insufficient margin")
	ErrEngineBusy         = New(CodeEngineBusy, "engine busy, please retry")
	ErrUnauthenticated    = New(CodeUnauthenticated, "unauthenticated")
)
