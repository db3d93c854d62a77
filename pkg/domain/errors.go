package domain

import (
	"errors"
	"net/http"
)

// Error taxonomy shared across the gateway. Handlers compare with
// errors.Is and translate to transport codes via HTTPStatus.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotFound        = errors.New("not found")
	ErrOverloaded      = errors.New("overloaded")
)

// HTTPStatus maps a taxonomy error to its HTTP status code.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOverloaded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WebSocket close codes for the realtime channel. Each disconnect cause has
// a distinct code so clients can decide whether to reconnect-and-resubscribe.
const (
	CloseNormal         = 1000
	CloseAuthFailure    = 4401
	CloseTenantMismatch = 4403
	CloseIdleTimeout    = 4408
	CloseSlowConsumer   = 4429
)
