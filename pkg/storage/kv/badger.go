// Copyright © 2018 One Concern

package kv

import (
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"
	"github.com/oneconcern/buildfarm/pkg/errors"
)

// kvBadger provides a KV store implementation based on dgraph-io/badger/v3
type kvBadger struct {
	*badger.DB
}

// OpenBadger opens (or creates) a badger database at path
func OpenBadger(path string, opts ...Option) (*Store, error) {
	o := defaultOptions(opts)
	var bopts badger.Options
	if o.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, err
		}
		bopts = badger.DefaultOptions(path)
	}
	db, err := badger.Open(bopts.WithLoggingLevel(badger.WARNING).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Store{db: &kvBadger{DB: db}, name: "badger@" + path, opts: o}, nil
}

func retryConflicts(op func() error) error {
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 100))
}

func (kv *kvBadger) Get(key []byte) ([]byte, error) {
	var value []byte
	err := kv.DB.View(func(txn *badger.Txn) error {
		item, e := txn.Get(key)
		if e != nil {
			return e
		}
		value, e = item.ValueCopy(nil)

		return e
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errKeyNotFound
	}

	return value, err
}

func (kv *kvBadger) Exists(key []byte) (bool, error) {
	err := kv.DB.View(func(txn *badger.Txn) error {
		_, e := txn.Get(key)

		return e
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}

		// some technical error occurred: interrupt
		return false, err
	}

	return true, nil
}

func (kv *kvBadger) SetIfNotExists(key, value []byte) error {
	return retryConflicts(func() error {
		return kv.DB.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				return nil
			}

			if !errors.Is(err, badger.ErrKeyNotFound) {
				return backoff.Permanent(err)
			}

			err = txn.Set(key, value)
			if err != nil {
				if errors.Is(err, badger.ErrConflict) {
					return err // retry
				}

				return backoff.Permanent(err)
			}

			return nil
		})
	})
}

func (kv *kvBadger) Delete(key []byte) error {
	return retryConflicts(func() error {
		return kv.DB.Update(func(txn *badger.Txn) error {
			err := txn.Delete(key)
			if err != nil && !errors.Is(err, badger.ErrConflict) {
				return backoff.Permanent(err)
			}
			return err
		})
	})
}

func (kv *kvBadger) Keys(fn func([]byte) error) error {
	return kv.DB.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer iterator.Close()

		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			if err := fn(iterator.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
}
