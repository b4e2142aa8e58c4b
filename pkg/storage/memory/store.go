// Copyright © 2018 One Concern

// Package memory implements an in-memory content-addressed store.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"go.uber.org/zap"
)

// Option for the memory store
type Option func(*memStore)

// Verifier sets the verification applied on Put
func Verifier(v storage.Verifier) Option {
	return func(m *memStore) {
		m.verifier = v
	}
}

// Logger for this store
func Logger(l *zap.Logger) Option {
	return func(m *memStore) {
		if l != nil {
			m.l = l
		}
	}
}

// New creates an empty in-memory store
func New(opts ...Option) storage.Store {
	m := &memStore{
		blobs:    make(map[digest.Digest][]byte),
		verifier: storage.DefaultVerifier,
		l:        zap.NewNop(),
	}
	for _, apply := range opts {
		apply(m)
	}
	return m
}

type memStore struct {
	mx       sync.RWMutex
	blobs    map[digest.Digest][]byte
	verifier storage.Verifier
	l        *zap.Logger
}

func (m *memStore) String() string {
	return "memory"
}

func (m *memStore) lookup(d digest.Digest) ([]byte, bool) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	b, ok := m.blobs[d]
	return b, ok
}

func (m *memStore) Has(_ context.Context, d digest.Digest) (bool, error) {
	_, ok := m.lookup(d)
	return ok, nil
}

func (m *memStore) Get(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	b, ok := m.lookup(d)
	if !ok {
		return nil, status.ErrNotFound.WrapMessage("blob %v", d)
	}
	return storage.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) GetRange(_ context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	b, ok := m.lookup(d)
	if !ok {
		return nil, status.ErrNotFound.WrapMessage("blob %v", d)
	}
	// stored length may differ from d.Size when verification is off
	length, err := storage.CheckRange(digest.Digest{Hash: d.Hash, Size: int64(len(b))}, offset, length)
	if err != nil {
		return nil, err
	}
	return storage.NopCloser(bytes.NewReader(b[offset : offset+length])), nil
}

const maxPrealloc = 1 << 20

func (m *memStore) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	if ok, _ := m.Has(ctx, d); ok {
		return nil
	}

	// the declared size is not trusted before the content is verified
	size := d.Size
	if size < 0 || size > maxPrealloc {
		size = maxPrealloc
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, storage.ContextReader(ctx, m.verifier.Wrap(d, rdr))); err != nil {
		m.l.Debug("discarding staged blob", zap.Stringer("digest", d), zap.Error(err))
		return err
	}

	m.mx.Lock()
	defer m.mx.Unlock()
	if _, exists := m.blobs[d]; !exists {
		m.blobs[d] = buf.Bytes()
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, d digest.Digest) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.blobs, d)
	return nil
}

func (m *memStore) Keys(_ context.Context) ([]digest.Digest, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	keys := make([]digest.Digest, 0, len(m.blobs))
	for d := range m.blobs {
		keys = append(keys, d)
	}
	return keys, nil
}
