package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(CodeInvalidPrice, "bad tick")
	want := "[INVALID_PRICE] bad tick"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodePairNotFound, http.StatusBadRequest},
		{CodeInvalidPrice, http.StatusBadRequest},
		{CodeOrderNotFound, http.StatusNotFound},
		{CodeAlreadyTerminal, http.StatusConflict},
		{CodeInsufficientMargin, http.StatusUnprocessableEntity},
		{CodeDepositLimitExceeded, http.StatusBadRequest},
		{CodeDepositNotEligible, http.StatusBadRequest},
		{CodeConcurrencyConflict, http.StatusTooManyRequests},
		{CodeEngineBusy, http.StatusTooManyRequests},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := New(c.code, "x").HTTPStatus(); got != c.want {
			t.Fatalf("code %s: expected %d, got %d", c.code, c.want, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !New(CodeEngineBusy, "x").Retryable {
		t.Fatalf("expected ENGINE_BUSY retryable")
	}
	if !New(CodeConcurrencyConflict, "x").Retryable {
		t.Fatalf("expected CONCURRENCY_CONFLICT retryable")
	}
	if New(CodeInsufficientMargin, "x").Retryable {
		t.Fatalf("expected INSUFFICIENT_MARGIN not retryable")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != CodeOK {
		t.Fatalf("expected OK, got %s", got)
	}
	if got := CodeOf(ErrOrderNotFound); got != CodeOrderNotFound {
		t.Fatalf("expected ORDER_NOT_FOUND, got %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected UNKNOWN, got %s", got)
	}
}

func TestWithRequestID(t *testing.T) {
	err := New(CodeInvalidParam, "x").WithRequestID("req-1")
	if err.RequestID != "req-1" {
		t.Fatalf("expected req-1, got %s", err.RequestID)
	}
}
