package errutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = append(be.Details, details...) }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func newWithCause(code CoreStatus, msg string, err error, options []Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

func Unauthenticated(msg string, err error, options ...Option) error {
	return newWithCause(StatusUnauthenticated, msg, err, options)
}

func Forbidden(msg string, err error, options ...Option) error {
	return newWithCause(StatusForbidden, msg, err, options)
}

func ValidationFailed(msg string, err error, options ...Option) error {
	return newWithCause(StatusValidationFailed, msg, err, options)
}

func NotFound(msg string, err error, options ...Option) error {
	return newWithCause(StatusNotFound, msg, err, options)
}

func InvalidTransition(msg string, err error, options ...Option) error {
	return newWithCause(StatusInvalidTransition, msg, err, options)
}

func Conflict(msg string, err error, options ...Option) error {
	return newWithCause(StatusConflict, msg, err, options)
}

func AlreadyAwarded(msg string, err error, options ...Option) error {
	return newWithCause(StatusAlreadyAwarded, msg, err, options)
}

func Quota(msg string, err error, options ...Option) error {
	return newWithCause(StatusQuota, msg, err, options)
}

func AttemptInProgress(msg string, err error, options ...Option) error {
	return newWithCause(StatusAttemptInProgress, msg, err, options)
}

func GatewayRetryable(msg string, err error, options ...Option) error {
	return newWithCause(StatusGatewayRetryable, msg, err, options)
}

func GatewayPermanent(msg string, err error, options ...Option) error {
	return newWithCause(StatusGatewayPermanent, msg, err, options)
}

func Integrity(msg string, err error, options ...Option) error {
	return newWithCause(StatusIntegrity, msg, err, options)
}

func Internal(msg string, err error, options ...Option) error {
	return newWithCause(StatusInternal, msg, err, options)
}

// Field is shorthand for a single VALIDATION detail.
func Field(field, message string) Option {
	return WithDetails(Detail{Field: field, Message: message})
}

// KindOf returns the status code carried by err, INTERNAL when err is not a BaseError.
func KindOf(err error) CoreStatus {
	if err == nil {
		return ""
	}
	var be BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	if IsUniqueViolation(err) {
		return StatusConflict
	}
	return StatusInternal
}

// MessageOf returns the caller-facing message of err without the wrapped cause.
func MessageOf(err error) string {
	var be BaseError
	if errors.As(err, &be) {
		return be.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Is reports whether err carries code, either exactly or as its base kind.
func Is(err error, code CoreStatus) bool {
	k := KindOf(err)
	return k == code || k.Kind() == code
}

func IsRetryable(err error) bool {
	return KindOf(err) == StatusGatewayRetryable
}

// IsUniqueViolation recognises duplicate-key errors of every supported dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
