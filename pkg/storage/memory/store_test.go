package memory

import (
	"bytes"
	"context"
	"runtime"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestNoVerifier(t *testing.T) {
	s := New(Verifier(storage.NoVerifier))
	key := digest.Of([]byte("action"))
	require.NoError(t, s.Put(context.Background(), key, bytes.NewReader([]byte("serialized result"))))

	got, err := storage.GetBytes(context.Background(), s, key)
	require.NoError(t, err)
	assert.Equal(t, "serialized result", string(got))
}

func TestPutCancelled(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := []byte("cancelled")
	err := s.Put(ctx, digest.Of(data), bytes.NewReader(data))
	require.ErrorIs(t, err, context.Canceled)

	ok, err := s.Has(context.Background(), digest.Of(data))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeclaredSizeIsNotPreallocated(t *testing.T) {
	ctx := context.Background()
	s := New()
	d := digest.Digest{Hash: digest.Of([]byte("abc")).Hash, Size: 1 << 30}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err := s.Put(ctx, d, bytes.NewReader([]byte("abc")))
	runtime.ReadMemStats(&after)

	require.Error(t, err)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(64<<20))
	ok, err := s.Has(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
}
