package status

import (
	"context"
	"fmt"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/errors"
	storagestatus "github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestQueueFullIsResourceExhausted(t *testing.T) {
	assert.True(t, errors.Is(ErrQueueFull, storagestatus.ErrResourceExhausted))
	assert.True(t, errors.Is(ErrQueueFull, ErrQueueFull))
	assert.Equal(t, codes.ResourceExhausted, Code(ErrQueueFull))
}

func TestCode(t *testing.T) {
	for _, toPin := range []struct {
		err  error
		code codes.Code
	}{
		{err: nil, code: codes.OK},
		{err: storagestatus.ErrNotFound.WrapMessage("blob"), code: codes.NotFound},
		{err: storagestatus.ErrDigestMismatch, code: codes.InvalidArgument},
		{err: storagestatus.ErrInvalidDigest, code: codes.InvalidArgument},
		{err: ErrInvalidAction.WrapMessage("no command"), code: codes.InvalidArgument},
		{err: storagestatus.ErrRange, code: codes.OutOfRange},
		{err: storagestatus.ErrResourceExhausted.WrapMessage("store full"), code: codes.ResourceExhausted},
		{err: ErrWorkerUnavailable.WrapMessage("retries exhausted"), code: codes.Unavailable},
		{err: ErrCancelled.Wrap(context.Canceled), code: codes.Canceled},
		{err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), code: codes.DeadlineExceeded},
		{err: ErrSessionExpired, code: codes.FailedPrecondition},
		{err: ErrInternal, code: codes.Internal},
		{err: fmt.Errorf("anything else"), code: codes.Internal},
	} {
		fixture := toPin
		assert.Equalf(t, fixture.code, Code(fixture.err), "for error %v", fixture.err)
	}
}

func TestToGRPC(t *testing.T) {
	assert.NoError(t, ToGRPC(nil))
	err := ToGRPC(ErrWorkerUnavailable)
	st, ok := grpcstatus.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
	assert.Equal(t, ErrWorkerUnavailable.Error(), st.Message())
}
