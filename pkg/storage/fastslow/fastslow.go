// Copyright © 2018 One Concern

// Package fastslow pairs a fast store with a slow, authoritative one.
//
// Writes go to both tiers. Reads are served by the fast tier when possible; a blob
// found only in the slow tier is copied into the fast one on the way out.
package fastslow

import (
	"bytes"
	"context"
	"io"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"go.uber.org/zap"
)

// Option for the fast/slow store
type Option func(*fastSlow)

// Logger for this store
func Logger(l *zap.Logger) Option {
	return func(f *fastSlow) {
		if l != nil {
			f.l = l
		}
	}
}

// MaxPopulateSize bounds the blobs copied into the fast tier on read (they are buffered)
func MaxPopulateSize(size int64) Option {
	return func(f *fastSlow) {
		f.maxPopulate = size
	}
}

// New fast/slow store
func New(fast, slow storage.Store, opts ...Option) storage.Store {
	f := &fastSlow{
		fast:        fast,
		slow:        slow,
		maxPopulate: 64 << 20,
		l:           zap.NewNop(),
	}
	for _, apply := range opts {
		apply(f)
	}
	return f
}

type fastSlow struct {
	fast        storage.Store
	slow        storage.Store
	maxPopulate int64
	l           *zap.Logger
}

func (f *fastSlow) String() string {
	return "fastslow(" + f.fast.String() + ", " + f.slow.String() + ")"
}

func (f *fastSlow) Has(ctx context.Context, d digest.Digest) (bool, error) {
	ok, err := f.fast.Has(ctx, d)
	if err == nil && ok {
		return true, nil
	}
	return f.slow.Has(ctx, d)
}

// populate copies a blob from the slow to the fast tier. It returns the content
// when the copy was made.
func (f *fastSlow) populate(ctx context.Context, d digest.Digest) ([]byte, bool) {
	if d.Size > f.maxPopulate {
		return nil, false
	}
	data, err := storage.ReadTee(ctx, f.slow, f.fast, d)
	if err != nil {
		f.l.Debug("could not populate fast tier", zap.Stringer("digest", d), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (f *fastSlow) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	rc, err := f.fast.Get(ctx, d)
	if err == nil {
		return rc, nil
	}
	if !errors.Is(err, status.ErrNotFound) {
		f.l.Warn("fast tier read failed", zap.Stringer("digest", d), zap.Error(err))
	}
	if _, ok := f.populate(ctx, d); ok {
		return f.fast.Get(ctx, d)
	}
	return f.slow.Get(ctx, d)
}

func (f *fastSlow) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	rc, err := f.fast.GetRange(ctx, d, offset, length)
	if err == nil || errors.Is(err, status.ErrRange) {
		return rc, err
	}
	if _, ok := f.populate(ctx, d); ok {
		return f.fast.GetRange(ctx, d, offset, length)
	}
	return f.slow.GetRange(ctx, d, offset, length)
}

// Put writes the slow tier first, then the fast one from a buffered copy.
// Blobs too large to buffer are only written to the slow tier. The stream may be
// longer than the digest size when an encoding sits above this store.
func (f *fastSlow) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	if d.Size > f.maxPopulate {
		return f.slow.Put(ctx, d, rdr)
	}
	data, err := io.ReadAll(io.LimitReader(rdr, f.maxPopulate+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > f.maxPopulate {
		return f.slow.Put(ctx, d, io.MultiReader(bytes.NewReader(data), rdr))
	}
	return storage.MultiPut(ctx, []storage.MultiStoreUnit{
		{Store: f.slow},
		{Store: f.fast, TolerateFailure: true},
	}, d, data)
}

func (f *fastSlow) Delete(ctx context.Context, d digest.Digest) error {
	if err := f.fast.Delete(ctx, d); err != nil {
		return err
	}
	return f.slow.Delete(ctx, d)
}

func (f *fastSlow) Keys(ctx context.Context) ([]digest.Digest, error) {
	return f.slow.Keys(ctx)
}
