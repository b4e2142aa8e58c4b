// Copyright © 2018 One Concern

// Package actioncache memoizes execution results by action digest.
//
// Entries are serialized results committed with a single Put on a store built
// without content verification, since keys are action digests rather than
// digests of the stored bytes.
package actioncache

import (
	"bytes"
	"context"
	"time"

	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned on a cache miss
	ErrNotFound = status.ErrNotFound

	// ErrCorruptEntry is returned when a stored entry cannot be decoded
	ErrCorruptEntry = errors.New("corrupt action cache entry")
)

// Option for the action cache
type Option func(*Cache)

// ValidateOutputs checks, on every hit, that the blobs referenced by the result
// are still in the CAS. Hits with missing outputs are dropped.
func ValidateOutputs(enabled bool) Option {
	return func(c *Cache) {
		c.validate = enabled
	}
}

// Logger for the action cache
func Logger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.l = l
		}
	}
}

// Cache maps action digests to results
type Cache struct {
	ac       storage.Store
	cas      storage.Store
	validate bool
	l        *zap.Logger
}

// New action cache storing entries in ac and validating outputs against cas
func New(ac, cas storage.Store, opts ...Option) *Cache {
	c := &Cache{
		ac:       ac,
		cas:      cas,
		validate: true,
		l:        zap.NewNop(),
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

// Get the cached result of an action
func (c *Cache) Get(ctx context.Context, actionDigest digest.Digest) (*action.Result, error) {
	c.l.Debug("Start action cache Get", zap.Stringer("action", actionDigest))
	defer func(t0 time.Time) {
		c.l.Debug("End action cache Get", zap.Stringer("action", actionDigest), zap.Duration("duration", time.Since(t0)))
	}(time.Now())

	rdr, err := c.ac.Get(ctx, actionDigest)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rdr)
	_ = rdr.Close()
	if err != nil {
		return nil, err
	}

	result, err := action.UnmarshalResult(buf.Bytes())
	if err != nil {
		c.l.Warn("dropping undecodable action cache entry", zap.Stringer("action", actionDigest), zap.Error(err))
		_ = c.ac.Delete(ctx, actionDigest)
		return nil, ErrCorruptEntry.Wrap(err)
	}

	if c.validate && c.cas != nil {
		missing, err := storage.FindMissing(ctx, c.cas, result.Digests())
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			// outputs were evicted: the entry is useless and must not block a fresh one
			c.l.Info("dropping action cache entry with missing outputs",
				zap.Stringer("action", actionDigest),
				zap.Int("missing", len(missing)),
			)
			if err = c.ac.Delete(ctx, actionDigest); err != nil {
				return nil, err
			}
			return nil, ErrNotFound.WrapMessage("outputs of action %v are no longer available", actionDigest)
		}
	}
	return result, nil
}

// Put commits the result of an action. The first committed result wins.
func (c *Cache) Put(ctx context.Context, actionDigest digest.Digest, result *action.Result) error {
	data, err := action.MarshalResult(result)
	if err != nil {
		return err
	}
	if err = storage.PutBytes(ctx, c.ac, actionDigest, data); err != nil {
		c.l.Error("could not commit action result", zap.Stringer("action", actionDigest), zap.Error(err))
		return err
	}
	return nil
}

// Len counts the entries, for diagnostics
func (c *Cache) Len(ctx context.Context) (int, error) {
	keys, err := c.ac.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
