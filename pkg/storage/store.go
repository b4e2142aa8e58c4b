// Copyright © 2018 One Concern

package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

// MaxObjectSizeInMemory bounds blobs that helpers read fully into memory
const MaxObjectSizeInMemory = 2 * 1024 * 1024 * 1024 // 2 gigs

// Store implementations hold blobs addressed by their digest.
//
// A blob becomes visible to Has, Get and GetRange only once Put has received the
// full stream and the configured Verifier accepted it. Concurrent puts of the
// same digest are safe: the first committer wins, later ones are no-ops.
type Store interface {
	String() string
	Has(context.Context, digest.Digest) (bool, error)
	Get(context.Context, digest.Digest) (io.ReadCloser, error)
	// GetRange reads length bytes starting at offset. A negative length reads to the end
	// of the blob and a length running past the end is clamped.
	GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error)
	Put(context.Context, digest.Digest, io.Reader) error
	Delete(context.Context, digest.Digest) error
	Keys(context.Context) ([]digest.Digest, error)
}

// CheckRange validates a partial read against the blob size and returns the clamped length
func CheckRange(d digest.Digest, offset, length int64) (int64, error) {
	if offset < 0 || offset > d.Size {
		return 0, status.ErrRange.WrapMessage("offset %d for blob of size %d", offset, d.Size)
	}
	if length < 0 || offset+length > d.Size {
		length = d.Size - offset
	}
	return length, nil
}

// PutBytes stores an in-memory blob under its digest
func PutBytes(ctx context.Context, s Store, d digest.Digest, data []byte) error {
	return s.Put(ctx, d, bytes.NewReader(data))
}

// GetBytes reads a whole blob into memory
func GetBytes(ctx context.Context, s Store, d digest.Digest) ([]byte, error) {
	if d.Size > MaxObjectSizeInMemory {
		return nil, status.ErrResourceExhausted.WrapMessage("blob %v is too big to be read into memory", d)
	}
	rdr, err := s.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	buf := bytes.NewBuffer(make([]byte, 0, d.Size))
	if _, err = io.Copy(buf, rdr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultConcurrency bounds parallel existence checks
const DefaultConcurrency = 16

// FindMissing returns the digests not present in the store, in input order.
func FindMissing(ctx context.Context, s Store, digests []digest.Digest) ([]digest.Digest, error) {
	present := make([]bool, len(digests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultConcurrency)
	for i := range digests {
		i := i
		g.Go(func() error {
			ok, err := s.Has(gctx, digests[i])
			if err != nil {
				return err
			}
			present[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	missing := make([]digest.Digest, 0, len(digests))
	seen := make(map[digest.Digest]struct{}, len(digests))
	for i, d := range digests {
		if present[i] {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		missing = append(missing, d)
	}
	return missing, nil
}

// CheckHealth writes a unique probe blob and reads it back
func CheckHealth(ctx context.Context, s Store) error {
	probe := []byte("health-check:" + ksuid.New().String())
	d := digest.Of(probe)
	if err := PutBytes(ctx, s, d, probe); err != nil {
		return err
	}
	data, err := GetBytes(ctx, s, d)
	if err != nil {
		return err
	}
	if !bytes.Equal(data, probe) {
		return status.ErrDigestMismatch.WrapMessage("health probe read back different content from %v", s)
	}
	return s.Delete(ctx, d)
}

type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

// NopCloser turns a reader into a ReadCloser whose Close does nothing
func NopCloser(r io.Reader) io.ReadCloser {
	return nopCloser{Reader: r}
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// LimitReadCloser limits a ReadCloser to n bytes, closing the underlying stream on Close
func LimitReadCloser(rc io.ReadCloser, n int64) io.ReadCloser {
	return limitedReadCloser{Reader: io.LimitReader(rc, n), Closer: rc}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ContextReader stops a stream once the context is done
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}
