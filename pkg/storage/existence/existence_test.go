package existence

import (
	"bytes"
	"context"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/memory"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/oneconcern/buildfarm/pkg/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := New(memory.New(), 16)
		require.NoError(t, err)
		return s
	})
}

func TestSkipsRoundTrips(t *testing.T) {
	ctx := context.Background()
	inner := &storetest.MockStore{}
	s, err := New(inner, 2)
	require.NoError(t, err)

	d := digest.Of([]byte("known"))
	absent := digest.Of([]byte("absent"))
	inner.On("Has", mock.Anything, d).Return(true, nil).Once()
	inner.On("Has", mock.Anything, absent).Return(false, nil).Twice()

	for i := 0; i < 3; i++ {
		ok, err := s.Has(ctx, d)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	// negative answers are never cached
	for i := 0; i < 2; i++ {
		ok, err := s.Has(ctx, absent)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	// a known digest is not uploaded again
	require.NoError(t, s.Put(ctx, d, bytes.NewReader([]byte("known"))))
	inner.AssertExpectations(t)
	inner.AssertNotCalled(t, "Put", mock.Anything, d, mock.Anything)
}

func TestForgetsEvicted(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	s, err := New(inner, 16)
	require.NoError(t, err)

	data := []byte("evicted below")
	d := digest.Of(data)
	require.NoError(t, storage.PutBytes(ctx, s, d, data))

	// the inner tier drops the blob behind our back
	require.NoError(t, inner.Delete(ctx, d))
	ok, err := s.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok, "stale until a read proves otherwise")

	_, err = s.Get(ctx, d)
	assert.True(t, errors.Is(err, status.ErrNotFound))
	ok, err = s.Has(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
}
