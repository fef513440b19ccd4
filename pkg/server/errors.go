package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pixperk/dlockd/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sentinels that survive the wire, matched by message on the way back
// several share a code so the code alone is not enough
var wireErrors = []struct {
	err  error
	code codes.Code
}{
	{types.ErrNotHeld, codes.PermissionDenied},
	{types.ErrLockTimeout, codes.DeadlineExceeded},
	{types.ErrLockDenied, codes.Aborted},
	{types.ErrInvalidLockName, codes.InvalidArgument},
	{types.ErrInvalidTTL, codes.InvalidArgument},
	{types.ErrGrantorChanged, codes.FailedPrecondition},
	{types.ErrStaleEpoch, codes.FailedPrecondition},
	{types.ErrServiceDestroyed, codes.FailedPrecondition},
	{types.ErrSessionExpired, codes.FailedPrecondition},
	{types.ErrElectionConflict, codes.Aborted},
	{types.ErrNotElder, codes.Unavailable},
	{types.ErrNotLeader, codes.Unavailable},
	{types.ErrMemberClosed, codes.Unavailable},
	{types.ErrMemberUnreachable, codes.Unavailable},
	{types.ErrSessionNotFound, codes.NotFound},
	{types.ErrUnknownMessage, codes.Unimplemented},
}

// converts domain errors to gRPC status errors
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	for _, w := range wireErrors {
		if errors.Is(err, w.err) {
			return status.Error(w.code, err.Error())
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// converts a gRPC status error back into the domain error it carries
func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	msg := st.Message()
	for _, w := range wireErrors {
		if st.Code() != w.code {
			continue
		}
		text := w.err.Error()
		if msg == text {
			return w.err
		}
		if strings.Contains(msg, text) {
			return fmt.Errorf("%w: %s", w.err, strings.TrimPrefix(msg, text+": "))
		}
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, msg)
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, msg)
	case codes.Unavailable:
		//transport failure, the peer never answered
		return fmt.Errorf("%w: %s", types.ErrMemberUnreachable, msg)
	default:
		return errors.New(msg)
	}
}
