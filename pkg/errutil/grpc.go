package errutil

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode converts the CoreStatus to its closest gRPC status code equivalent.
func (s CoreStatus) GRPCCode() codes.Code {
	switch s.Kind() {
	case StatusUnauthenticated:
		return codes.Unauthenticated
	case StatusForbidden:
		return codes.PermissionDenied
	case StatusNotFound:
		return codes.NotFound
	case StatusValidationFailed, StatusIntegrity:
		return codes.InvalidArgument
	case StatusInvalidTransition:
		return codes.FailedPrecondition
	case StatusConflict:
		return codes.Aborted
	case StatusQuota:
		return codes.ResourceExhausted
	case StatusGatewayRetryable:
		return codes.Unavailable
	case StatusGatewayPermanent, StatusInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// ToGRPCError normalises a domain error into a gRPC status error so handlers can
// safely return it to the transport layer.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var base BaseError
	if errors.As(err, &base) {
		return status.Error(base.Code.GRPCCode(), base.Message)
	}

	return status.Error(codes.Internal, "internal error")
}
