package errutil

import "net/http"

// CoreStatus is the stable kind code carried by every failure surfaced to callers.
type CoreStatus string

const (
	StatusUnauthenticated   CoreStatus = "AUTHN"
	StatusForbidden         CoreStatus = "AUTHZ"
	StatusValidationFailed  CoreStatus = "VALIDATION"
	StatusNotFound          CoreStatus = "NOT_FOUND"
	StatusInvalidTransition CoreStatus = "INVALID_TRANSITION"
	StatusConflict          CoreStatus = "CONFLICT"
	StatusQuota             CoreStatus = "QUOTA"
	StatusGatewayRetryable  CoreStatus = "GATEWAY_RETRYABLE"
	StatusGatewayPermanent  CoreStatus = "GATEWAY_PERMANENT"
	StatusIntegrity         CoreStatus = "INTEGRITY"
	StatusInternal          CoreStatus = "INTERNAL"

	// refinements of CONFLICT and QUOTA
	StatusAlreadyAwarded    CoreStatus = "ASSIGNMENT_ALREADY_AWARDED"
	StatusAttemptInProgress CoreStatus = "ATTEMPT_IN_PROGRESS"
)

// Kind folds refinements back onto the base kind they belong to.
func (s CoreStatus) Kind() CoreStatus {
	switch s {
	case StatusAlreadyAwarded:
		return StatusConflict
	case StatusAttemptInProgress:
		return StatusQuota
	default:
		return s
	}
}

func (s CoreStatus) HTTPStatus() int {
	switch s.Kind() {
	case StatusUnauthenticated:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusValidationFailed:
		return http.StatusUnprocessableEntity
	case StatusNotFound:
		return http.StatusNotFound
	case StatusInvalidTransition, StatusConflict:
		return http.StatusConflict
	case StatusQuota:
		return http.StatusTooManyRequests
	case StatusGatewayRetryable:
		return http.StatusServiceUnavailable
	case StatusGatewayPermanent:
		return http.StatusBadGateway
	case StatusIntegrity:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
