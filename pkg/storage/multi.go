// Copyright © 2018 One Concern

package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/oneconcern/buildfarm/pkg/digest"
)

// ReadTee reads a blob from a source store and duplicates it to a destination store.
// The returned bytes are the blob content.
func ReadTee(ctx context.Context, sStore Store, dStore Store, d digest.Digest) ([]byte, error) {
	object, err := GetBytes(ctx, sStore, d)
	if err != nil {
		return nil, err
	}
	if err = dStore.Put(ctx, d, bytes.NewReader(object)); err != nil {
		return nil, err
	}
	return object, nil
}

// MultiStoreUnit is used to specify multiple operations, some of which are tolerated to fail
type MultiStoreUnit struct {
	// Store is the backend to be accessed
	Store Store

	// TolerateFailure to false breaks multi-store operations whenever an error is encountered.
	TolerateFailure bool
}

// MultiPut duplicates write operations to an array of stores, under the same digest
func MultiPut(ctx context.Context, stores []MultiStoreUnit, d digest.Digest, buffer []byte) error {
	errC := make(chan error, len(stores))
	var wg sync.WaitGroup

	for _, w := range stores {
		wg.Add(1)
		go func(w MultiStoreUnit) {
			defer wg.Done()

			err := w.Store.Put(ctx, d, bytes.NewReader(buffer))
			if w.TolerateFailure {
				return
			}
			if err != nil {
				errC <- err
			}
		}(w)
	}
	wg.Wait()
	select {
	case err := <-errC:
		return err
	default:
		return nil
	}
}

// PipeIO copies a reader into a writer, using WriteTo when the reader implements it
func PipeIO(writer io.Writer, reader io.Reader) (n int64, err error) {
	if wt, ok := reader.(io.WriterTo); ok {
		return wt.WriteTo(writer)
	}
	return io.Copy(writer, reader)
}
