package sizepartition

import (
	"context"
	"testing"

	units "github.com/docker/go-units"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/evicting"
	"github.com/oneconcern/buildfarm/pkg/storage/memory"
	"github.com/oneconcern/buildfarm/pkg/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return New(1000, memory.New(), memory.New())
	})
}

func TestRouting(t *testing.T) {
	ctx := context.Background()
	lower, upper := memory.New(), memory.New()
	s := New(100, lower, upper)

	small := storetest.Blob("small", 99)
	large := storetest.Blob("large", 100)
	require.NoError(t, storage.PutBytes(ctx, s, digest.Of(small), small))
	require.NoError(t, storage.PutBytes(ctx, s, digest.Of(large), large))

	ok, _ := lower.Has(ctx, digest.Of(small))
	assert.True(t, ok)
	ok, _ = upper.Has(ctx, digest.Of(large))
	assert.True(t, ok)
	ok, _ = lower.Has(ctx, digest.Of(large))
	assert.False(t, ok)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []digest.Digest{digest.Of(small), digest.Of(large)}, keys)
}

func TestLargeBlobBypassesSmallTierCapacity(t *testing.T) {
	ctx := context.Background()
	small, err := evicting.New(ctx, memory.New(), evicting.Policy{MaxBytes: 5 * units.MiB})
	require.NoError(t, err)
	large := memory.New()
	s := New(units.MiB, small, large)

	data := storetest.Blob("ten megabytes", 10*units.MiB)
	d := digest.Of(data)
	require.NoError(t, storage.PutBytes(ctx, s, d, data))

	ok, err := large.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)
	used, count, _ := evicting.Usage(small)
	assert.Zero(t, used)
	assert.Zero(t, count)

	got, err := storage.GetBytes(ctx, s, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
