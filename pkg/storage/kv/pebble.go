// Copyright © 2018 One Concern

package kv

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/oneconcern/buildfarm/pkg/errors"
)

// kvPebble provides a KV store implementation based on cockroachdb/pebble.
//
// Pebble has no read-modify-write transactions: SetIfNotExists is serialized locally
// and the "ignore new" merger keeps the first committed value.
type kvPebble struct {
	*pebble.DB
	mx sync.Mutex
}

type ignoreNewMerger struct {
	buf []byte
}

// OpenPebble opens (or creates) a pebble database at path
func OpenPebble(path string, opts ...Option) (*Store, error) {
	o := defaultOptions(opts)
	options := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "ignore new",
			Merge: func(_, value []byte) (pebble.ValueMerger, error) {
				return &ignoreNewMerger{
					buf: append([]byte(nil), value...),
				}, nil
			},
		},
	}
	if o.inMemory {
		options.FS = vfs.NewMem()
	} else if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	options.EnsureDefaults()

	db, err := pebble.Open(path, options)
	if err != nil {
		return nil, err
	}
	return &Store{db: &kvPebble{DB: db}, name: "pebble@" + path, opts: o}, nil
}

func (kv *kvPebble) Get(key []byte) ([]byte, error) {
	val, closer, err := kv.DB.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errKeyNotFound
		}
		return nil, err
	}
	defer func() {
		_ = closer.Close()
	}()

	dest := make([]byte, len(val))
	copy(dest, val)

	return dest, nil
}

func (kv *kvPebble) Exists(key []byte) (bool, error) {
	_, closer, err := kv.DB.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	_ = closer.Close()

	return true, nil
}

func (kv *kvPebble) SetIfNotExists(key, value []byte) error {
	kv.mx.Lock()
	defer kv.mx.Unlock()

	found, err := kv.Exists(key)
	if err != nil {
		return err
	}

	if found {
		return nil
	}

	return kv.Merge(key, value, pebble.Sync) // skip new value
}

func (kv *kvPebble) Delete(key []byte) error {
	kv.mx.Lock()
	defer kv.mx.Unlock()

	return kv.DB.Delete(key, pebble.Sync)
}

func (kv *kvPebble) Keys(fn func([]byte) error) error {
	iterator, err := kv.DB.NewIter(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = iterator.Close()
	}()

	for valid := iterator.First(); valid; valid = iterator.Next() {
		key := make([]byte, len(iterator.Key()))
		copy(key, iterator.Key())
		if err := fn(key); err != nil {
			return err
		}
	}
	return iterator.Error()
}

func (m *ignoreNewMerger) MergeNewer(val []byte) error {
	if m.buf == nil {
		m.buf = append([]byte(nil), val...)
	}

	return nil
}

func (m *ignoreNewMerger) MergeOlder(val []byte) error {
	if val != nil {
		m.buf = append([]byte(nil), val...)
	}

	return nil
}

func (m *ignoreNewMerger) Finish(bool) ([]byte, io.Closer, error) {
	return m.buf, nil, nil
}
