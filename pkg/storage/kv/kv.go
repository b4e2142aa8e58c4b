// Copyright © 2018 One Concern

// Package kv implements a content-addressed store over an embedded key/value
// database (badger or pebble). Each blob is committed in a single write, which
// makes this store a good fit for the action cache and for small blobs.
package kv

import (
	"bytes"
	"context"
	"io"

	units "github.com/docker/go-units"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"go.uber.org/zap"
)

// DefaultMaxValueSize bounds the size of a single blob
const DefaultMaxValueSize = 64 * units.MiB

var errKeyNotFound = errors.New("key not found")

// db abstracts the embedded engines
type db interface {
	Get(key []byte) ([]byte, error)
	Exists(key []byte) (bool, error)
	SetIfNotExists(key, value []byte) error
	Delete(key []byte) error
	Keys(fn func(key []byte) error) error
	Close() error
}

type (
	// Option for kv stores
	Option func(*options)

	options struct {
		verifier     storage.Verifier
		maxValueSize int64
		l            *zap.Logger
		inMemory     bool
	}
)

// Verifier sets the verification applied on Put
func Verifier(v storage.Verifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

// MaxValueSize bounds the size of a single blob
func MaxValueSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxValueSize = size
		}
	}
}

// Logger for this store
func Logger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.l = l
		}
	}
}

// InMemory runs the engine without touching disk, where supported
func InMemory(enabled bool) Option {
	return func(o *options) {
		o.inMemory = enabled
	}
}

func defaultOptions(opts []Option) *options {
	o := &options{
		verifier:     storage.DefaultVerifier,
		maxValueSize: DefaultMaxValueSize,
		l:            zap.NewNop(),
	}
	for _, apply := range opts {
		apply(o)
	}
	return o
}

// Store is a storage.Store backed by an embedded database. It must be closed.
type Store struct {
	db   db
	name string
	opts *options
}

var _ storage.Store = &Store{}

func encodeKey(d digest.Digest) []byte {
	return []byte(d.String())
}

func (s *Store) String() string {
	return s.name
}

// Close the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Has the blob
func (s *Store) Has(_ context.Context, d digest.Digest) (bool, error) {
	ok, err := s.db.Exists(encodeKey(d))
	if err != nil {
		return false, status.ErrStorageAPI.Wrap(err)
	}
	return ok, nil
}

func (s *Store) get(d digest.Digest) ([]byte, error) {
	val, err := s.db.Get(encodeKey(d))
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return nil, status.ErrNotFound.WrapMessage("blob %v", d)
		}
		return nil, status.ErrStorageAPI.Wrap(err)
	}
	return val, nil
}

// Get the blob
func (s *Store) Get(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	val, err := s.get(d)
	if err != nil {
		return nil, err
	}
	return storage.NopCloser(bytes.NewReader(val)), nil
}

// GetRange reads part of the blob
func (s *Store) GetRange(_ context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	val, err := s.get(d)
	if err != nil {
		return nil, err
	}
	length, err = storage.CheckRange(digest.Digest{Hash: d.Hash, Size: int64(len(val))}, offset, length)
	if err != nil {
		return nil, err
	}
	return storage.NopCloser(bytes.NewReader(val[offset : offset+length])), nil
}

// Put buffers and verifies the blob, then commits it in a single write
func (s *Store) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	if d.Size > s.opts.maxValueSize {
		return status.ErrResourceExhausted.WrapMessage("blob %v exceeds the max value size %d for %s", d, s.opts.maxValueSize, s.name)
	}
	buf := bytes.NewBuffer(make([]byte, 0, d.Size))
	limited := io.LimitReader(storage.ContextReader(ctx, s.opts.verifier.Wrap(d, rdr)), s.opts.maxValueSize+1)
	if _, err := io.Copy(buf, limited); err != nil {
		return err
	}
	if int64(buf.Len()) > s.opts.maxValueSize {
		return status.ErrResourceExhausted.WrapMessage("blob %v exceeds the max value size %d for %s", d, s.opts.maxValueSize, s.name)
	}
	if err := s.db.SetIfNotExists(encodeKey(d), buf.Bytes()); err != nil {
		return status.ErrStorageAPI.WrapWithLog(s.opts.l, err, zap.Stringer("digest", d))
	}
	return nil
}

// Delete the blob
func (s *Store) Delete(_ context.Context, d digest.Digest) error {
	if err := s.db.Delete(encodeKey(d)); err != nil {
		return status.ErrStorageAPI.Wrap(err)
	}
	return nil
}

// Keys lists all blobs
func (s *Store) Keys(ctx context.Context) ([]digest.Digest, error) {
	var keys []digest.Digest
	err := s.db.Keys(func(key []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := digest.Parse(string(key))
		if err != nil {
			s.opts.l.Warn("skipping unexpected key", zap.ByteString("key", key))
			return nil
		}
		keys = append(keys, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
