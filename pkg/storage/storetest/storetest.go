// Copyright © 2018 One Concern

// Package storetest exercises the contract shared by every Store implementation.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Blob returns deterministic content of the given size
func Blob(seed string, size int) []byte {
	b := make([]byte, size)
	pattern := []byte(seed)
	if len(pattern) == 0 {
		pattern = []byte{0}
	}
	for i := range b {
		b[i] = pattern[i%len(pattern)] + byte(i/len(pattern))
	}
	return b
}

// Run executes the contract test suite against stores built by factory.
// The factory is called once per subtest and must return an empty, verifying store.
func Run(t *testing.T, factory func(t *testing.T) storage.Store) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("DigestMismatch", func(t *testing.T) { testDigestMismatch(t, factory(t)) })
	t.Run("Range", func(t *testing.T) { testRange(t, factory(t)) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, factory(t)) })
	t.Run("KeysAndDelete", func(t *testing.T) { testKeysAndDelete(t, factory(t)) })
	t.Run("Empty", func(t *testing.T) { testEmptyBlob(t, factory(t)) })
}

func testRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, size := range []int{1, 100, 64 * 1024} {
		data := Blob("roundtrip", size)
		d := digest.Of(data)

		ok, err := s.Has(ctx, d)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = s.Get(ctx, d)
		require.Error(t, err)
		assert.Truef(t, errors.Is(err, status.ErrNotFound), "expected not found, got %v", err)

		require.NoError(t, storage.PutBytes(ctx, s, d, data))

		ok, err = s.Has(ctx, d)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := storage.GetBytes(ctx, s, d)
		require.NoError(t, err)
		require.Equal(t, data, got)

		// idempotent
		require.NoError(t, storage.PutBytes(ctx, s, d, data))
	}
}

func testDigestMismatch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	claimed := Blob("claimed", 512)
	actual := Blob("actual!", 512)
	d := digest.Of(claimed)

	err := storage.PutBytes(ctx, s, d, actual)
	require.Error(t, err)
	assert.Truef(t, errors.Is(err, status.ErrDigestMismatch), "expected digest mismatch, got %v", err)

	ok, err := s.Has(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok, "rejected blob must not be visible")

	// truncated stream
	err = storage.PutBytes(ctx, s, d, claimed[:100])
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrDigestMismatch))

	ok, err = s.Has(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	data := Blob("range", 10000)
	d := digest.Of(data)
	require.NoError(t, storage.PutBytes(ctx, s, d, data))

	read := func(offset, length int64) []byte {
		rdr, err := s.GetRange(ctx, d, offset, length)
		require.NoError(t, err)
		defer rdr.Close()
		b, err := io.ReadAll(rdr)
		require.NoError(t, err)
		return b
	}

	for _, k := range []int64{0, 1, 4096, 9999, 10000} {
		head := read(0, k)
		tail := read(k, -1)
		assert.Equal(t, data, append(append([]byte{}, head...), tail...), "split at %d", k)
	}
	assert.Equal(t, data[100:200], read(100, 100))
	assert.Equal(t, data[9990:], read(9990, 100), "length past the end is clamped")

	_, err := s.GetRange(ctx, d, 10001, 1)
	assert.True(t, errors.Is(err, status.ErrRange))

	_, err = s.GetRange(ctx, digest.Of([]byte("absent")), 0, 1)
	assert.True(t, errors.Is(err, status.ErrNotFound))
}

func testConcurrentPut(t *testing.T, s storage.Store) {
	ctx := context.Background()
	data := Blob("concurrent", 32*1024)
	d := digest.Of(data)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, d, bytes.NewReader(data))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := storage.GetBytes(ctx, s, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func testKeysAndDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := make(map[digest.Digest]bool)
	for i := 0; i < 5; i++ {
		data := []byte(fmt.Sprintf("blob-%d", i))
		d := digest.Of(data)
		require.NoError(t, storage.PutBytes(ctx, s, d, data))
		want[d] = true
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, len(want))
	for _, k := range keys {
		assert.True(t, want[k], "unexpected key %v", k)
	}

	missing, err := storage.FindMissing(ctx, s, append(keys, digest.Of([]byte("nope"))))
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{digest.Of([]byte("nope"))}, missing)

	require.NoError(t, s.Delete(ctx, keys[0]))
	ok, err := s.Has(ctx, keys[0])
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting an absent blob is not an error
	require.NoError(t, s.Delete(ctx, keys[0]))
}

func testEmptyBlob(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, storage.PutBytes(ctx, s, digest.Empty, nil))
	got, err := storage.GetBytes(ctx, s, digest.Empty)
	require.NoError(t, err)
	assert.Empty(t, got)
}
