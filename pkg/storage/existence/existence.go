// Copyright © 2018 One Concern

// Package existence decorates a store with a bounded cache of digests known to
// be present, sparing round-trips to slow tiers.
package existence

import (
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
)

// DefaultCacheSize is the number of digests remembered by default
const DefaultCacheSize = 100000

// New existence-caching store over inner, remembering up to size digests
func New(inner storage.Store, size int) (storage.Store, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	known, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &existenceCache{inner: inner, known: known}, nil
}

type existenceCache struct {
	inner storage.Store
	known *lru.Cache
}

func (e *existenceCache) String() string {
	return "existence(" + e.inner.String() + ")"
}

func (e *existenceCache) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if e.known.Contains(d) {
		return true, nil
	}
	ok, err := e.inner.Has(ctx, d)
	if err != nil {
		return false, err
	}
	if ok {
		e.known.Add(d, struct{}{})
	}
	return ok, nil
}

func (e *existenceCache) forgetIfMissing(d digest.Digest, err error) {
	if errors.Is(err, status.ErrNotFound) {
		// evicted below us
		e.known.Remove(d)
	}
}

func (e *existenceCache) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	rc, err := e.inner.Get(ctx, d)
	if err != nil {
		e.forgetIfMissing(d, err)
		return nil, err
	}
	e.known.Add(d, struct{}{})
	return rc, nil
}

func (e *existenceCache) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	rc, err := e.inner.GetRange(ctx, d, offset, length)
	if err != nil {
		e.forgetIfMissing(d, err)
		return nil, err
	}
	return rc, nil
}

func (e *existenceCache) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	if e.known.Contains(d) {
		return nil
	}
	if err := e.inner.Put(ctx, d, rdr); err != nil {
		return err
	}
	e.known.Add(d, struct{}{})
	return nil
}

func (e *existenceCache) Delete(ctx context.Context, d digest.Digest) error {
	e.known.Remove(d)
	return e.inner.Delete(ctx, d)
}

func (e *existenceCache) Keys(ctx context.Context) ([]digest.Digest, error) {
	return e.inner.Keys(ctx)
}
