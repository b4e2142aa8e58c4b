package compress

import (
	"bytes"
	"context"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/memory"
	"github.com/oneconcern/buildfarm/pkg/storage/storetest"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return New(memory.New(memory.Verifier(storage.NoVerifier)))
	})
}

func TestStoresCompressedBytes(t *testing.T) {
	inner := memory.New(memory.Verifier(storage.NoVerifier))
	s := New(inner, Level(lz4.Level5))
	ctx := context.Background()

	data := bytes.Repeat([]byte("highly compressible "), 4096)
	d := digest.Of(data)
	require.NoError(t, storage.PutBytes(ctx, s, d, data))

	// the inner store holds fewer bytes, under the logical digest
	raw, err := inner.Get(ctx, d)
	require.NoError(t, err)
	var stored bytes.Buffer
	_, err = stored.ReadFrom(raw)
	require.NoError(t, err)
	assert.Less(t, stored.Len(), len(data)/4)

	got, err := storage.GetBytes(ctx, s, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "lz4(memory)", s.String())
}
