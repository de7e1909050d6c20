package faults

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify_TypedErrorsWin(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{&NotFoundError{Resource: "memory", ID: "legal"}, ClassNotFound},
		{&UnavailableError{Store: "graph", Cause: errors.New("down")}, ClassUnavailable},
		{&PermissionDeniedError{Reason: "cross-namespace key"}, ClassPermissionDenied},
		{&ValidationError{Field: "backup_id", Message: "bad charset"}, ClassValidation},
		{&ConflictError{Message: "memory exists"}, ClassConflict},
		{&UpstreamError{Provider: "openai", Kind: UpstreamTimeout, Cause: errors.New("t")}, ClassUpstream},
		{&TransientDisconnectError{Cause: errors.New("reset")}, ClassTransientDisconnect},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Classify(c.err), "for %v", c.err)
	}
}

func TestClassify_WrappedTypedError(t *testing.T) {
	err := fmt.Errorf("ingest stage graph: %w", &UnavailableError{Store: "graph", Cause: errors.New("refused")})
	require.Equal(t, ClassUnavailable, Classify(err))
}

func TestClassify_GRPCStatusCodes(t *testing.T) {
	require.Equal(t, ClassNotFound, Classify(status.Error(codes.NotFound, "no collection")))
	require.Equal(t, ClassUnavailable, Classify(status.Error(codes.Unavailable, "dial error")))
	require.Equal(t, ClassValidation, Classify(status.Error(codes.InvalidArgument, "bad vector size")))
}

func TestClassify_TransportErrors(t *testing.T) {
	require.Equal(t, ClassUnavailable, Classify(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	require.Equal(t, ClassTransientDisconnect, Classify(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	require.Equal(t, ClassUpstream, Classify(context.DeadlineExceeded))
}

func TestRetryable_OnlyTransientDisconnects(t *testing.T) {
	require.True(t, Retryable(&TransientDisconnectError{Cause: errors.New("mid-stream")}))
	require.False(t, Retryable(&UnavailableError{Store: "vector", Cause: errors.New("down")}))
	require.False(t, Retryable(&UpstreamError{Provider: "openai", Kind: UpstreamRateLimit}))
	require.False(t, Retryable(nil))
}
