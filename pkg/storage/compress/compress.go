// Copyright © 2018 One Concern

// Package compress decorates a store with transparent LZ4 compression.
//
// Digests always address the uncompressed content: this store verifies the
// logical stream itself, and the inner store must be built without verification
// since it holds compressed bytes under the logical digest.
package compress

import (
	"context"
	"io"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
)

// Option for the compressing store
type Option func(*compressed)

// Level sets the LZ4 compression level
func Level(level lz4.CompressionLevel) Option {
	return func(c *compressed) {
		c.level = level
	}
}

// Verifier sets the verification applied to the uncompressed stream
func Verifier(v storage.Verifier) Option {
	return func(c *compressed) {
		c.verifier = v
	}
}

// Logger for this store
func Logger(l *zap.Logger) Option {
	return func(c *compressed) {
		if l != nil {
			c.l = l
		}
	}
}

// New compressing store over inner
func New(inner storage.Store, opts ...Option) storage.Store {
	c := &compressed{
		inner:    inner,
		level:    lz4.Fast,
		verifier: storage.DefaultVerifier,
		l:        zap.NewNop(),
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

type compressed struct {
	inner    storage.Store
	level    lz4.CompressionLevel
	verifier storage.Verifier
	l        *zap.Logger
}

func (c *compressed) String() string {
	return "lz4(" + c.inner.String() + ")"
}

func (c *compressed) Has(ctx context.Context, d digest.Digest) (bool, error) {
	return c.inner.Has(ctx, d)
}

type decompressingReader struct {
	io.Reader
	source io.Closer
}

func (r *decompressingReader) Close() error {
	return r.source.Close()
}

func (c *compressed) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	rc, err := c.inner.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	return &decompressingReader{Reader: lz4.NewReader(rc), source: rc}, nil
}

func (c *compressed) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	length, err := storage.CheckRange(d, offset, length)
	if err != nil {
		return nil, err
	}
	rc, err := c.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	// LZ4 frames are not seekable: decompress and skip
	if _, err = io.CopyN(io.Discard, rc, offset); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return storage.LimitReadCloser(rc, length), nil
}

func (c *compressed) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	has, err := c.inner.Has(ctx, d)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		zw := lz4.NewWriter(pw)
		if err := zw.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
			_ = pw.CloseWithError(err)
			done <- err
			return
		}
		_, err := io.Copy(zw, c.verifier.Wrap(d, rdr))
		if err == nil {
			err = zw.Close()
		}
		// a non-nil error aborts the inner put before it commits
		_ = pw.CloseWithError(err)
		done <- err
	}()

	innerErr := c.inner.Put(ctx, d, pr)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	compressErr := <-done
	if innerErr == nil {
		// committed, or a concurrent identical write won without reading our stream
		return nil
	}
	if compressErr != nil && compressErr != io.ErrClosedPipe {
		c.l.Debug("compression aborted", zap.Stringer("digest", d), zap.Error(compressErr))
		return compressErr
	}
	return innerErr
}

func (c *compressed) Delete(ctx context.Context, d digest.Digest) error {
	return c.inner.Delete(ctx, d)
}

func (c *compressed) Keys(ctx context.Context) ([]digest.Digest, error) {
	return c.inner.Keys(ctx)
}
