// Copyright © 2018 One Concern

// Package sizepartition routes blobs to one of two stores depending on their size.
package sizepartition

import (
	"context"
	"fmt"
	"io"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// New size-routing store: blobs strictly smaller than threshold go to lower,
// the others go to upper.
func New(threshold int64, lower, upper storage.Store) storage.Store {
	return &partitioned{threshold: threshold, lower: lower, upper: upper}
}

type partitioned struct {
	threshold int64
	lower     storage.Store
	upper     storage.Store
}

func (p *partitioned) String() string {
	return fmt.Sprintf("sizepartition(<%d:%s, %s)", p.threshold, p.lower.String(), p.upper.String())
}

func (p *partitioned) route(d digest.Digest) storage.Store {
	if d.Size < p.threshold {
		return p.lower
	}
	return p.upper
}

func (p *partitioned) Has(ctx context.Context, d digest.Digest) (bool, error) {
	return p.route(d).Has(ctx, d)
}

func (p *partitioned) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	return p.route(d).Get(ctx, d)
}

func (p *partitioned) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	return p.route(d).GetRange(ctx, d, offset, length)
}

func (p *partitioned) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	return p.route(d).Put(ctx, d, rdr)
}

func (p *partitioned) Delete(ctx context.Context, d digest.Digest) error {
	return p.route(d).Delete(ctx, d)
}

// Keys lists both partitions, keeping only the keys each one is responsible for
func (p *partitioned) Keys(ctx context.Context) ([]digest.Digest, error) {
	var lowerKeys, upperKeys []digest.Digest
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		lowerKeys, err = p.lower.Keys(gctx)
		return
	})
	g.Go(func() (err error) {
		upperKeys, err = p.upper.Keys(gctx)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make([]digest.Digest, 0, len(lowerKeys)+len(upperKeys))
	for _, d := range lowerKeys {
		if d.Size < p.threshold {
			keys = append(keys, d)
		}
	}
	for _, d := range upperKeys {
		if d.Size >= p.threshold {
			keys = append(keys, d)
		}
	}
	return keys, nil
}
