// Copyright © 2018 One Concern

package localfs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/oneconcern/buildfarm/pkg/storage/storetest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (afero.Fs, storage.Store) {
	fs := afero.NewMemMapFs()
	s, err := New(fs)
	require.NoError(t, err)
	return fs, s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		_, s := setupStore(t)
		return s
	})
}

func TestLayout(t *testing.T) {
	fs, s := setupStore(t)
	data := []byte("this is the text")
	d := digest.Of(data)
	require.NoError(t, storage.PutBytes(context.Background(), s, d, data))

	b, err := afero.ReadFile(fs, filepath.Join(d.Hex()[:2], d.String()))
	require.NoError(t, err)
	assert.Equal(t, data, b)

	staged, err := afero.ReadDir(fs, nestedPutStageName)
	require.NoError(t, err)
	assert.Empty(t, staged, "staging area must be empty after a commit")
}

type failingReader struct {
	data []byte
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.read {
		return 0, io.ErrUnexpectedEOF
	}
	f.read = true
	return copy(p, f.data), nil
}

func TestPutInterrupted(t *testing.T) {
	fs, s := setupStore(t)
	data := storetest.Blob("interrupted", 4096)
	d := digest.Of(data)

	err := s.Put(context.Background(), d, &failingReader{data: data[:1024]})
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	has, err := s.Has(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, has)

	staged, err := afero.ReadDir(fs, nestedPutStageName)
	require.NoError(t, err)
	assert.Empty(t, staged, "interrupted write must be discarded")

	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKeysIgnoresForeignFiles(t *testing.T) {
	fs, s := setupStore(t)
	require.NoError(t, afero.WriteFile(fs, "README", []byte("not a blob"), 0600))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(nestedPutStageName, "partial"), []byte("x"), 0600))
	data := []byte("blob")
	require.NoError(t, s.Put(context.Background(), digest.Of(data), bytes.NewReader(data)))

	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{digest.Of(data)}, keys)
}

func TestAcquireRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cas")
	lock, err := AcquireRoot(root)
	require.NoError(t, err)
	defer func() { _ = lock.Unlock() }()

	_, err = os.Stat(filepath.Join(root, lockFileName))
	require.NoError(t, err)

	s, err := New(afero.NewBasePathFs(afero.NewOsFs(), root))
	require.NoError(t, err)
	assert.Contains(t, s.String(), "localfs@")

	data := []byte("on disk")
	require.NoError(t, storage.PutBytes(context.Background(), s, digest.Of(data), data))
	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	_, err = s.Get(context.Background(), digest.Of([]byte("absent")))
	assert.True(t, errors.Is(err, status.ErrNotFound))
}
