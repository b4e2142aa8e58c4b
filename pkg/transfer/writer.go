// Copyright © 2018 One Concern

package transfer

import (
	"context"
	"os"

	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Writer receives the bytes of an upload, in order, from its current offset.
//
// Closing a writer which received the whole blob commits it to the store. Closing it
// earlier keeps the partial upload: it resumes when reopened under the same id.
type Writer struct {
	s    *Service
	ctx  context.Context
	u    *upload
	file afero.File

	offset    int64
	committed bool
	closed    bool
}

// Offset is the number of bytes received so far
func (w *Writer) Offset() int64 {
	return w.offset
}

// Committed is true once the blob is in the store
func (w *Writer) Committed() bool {
	return w.committed
}

// Write appends to the upload
func (w *Writer) Write(p []byte) (int, error) {
	if w.committed {
		return 0, ErrCommitted
	}
	if w.closed {
		return 0, os.ErrClosed
	}
	if w.offset+int64(len(p)) > w.u.digest.Size {
		return 0, status.ErrRange.WrapMessage("upload %s overflows blob %v", w.u.id, w.u.digest)
	}

	w.s.mu.Lock()
	expired := w.u.expired
	w.s.mu.Unlock()
	if expired {
		_ = w.abort()
		return 0, ErrIdleTimeout.WrapMessage("upload %s was reaped", w.u.id)
	}

	n, err := w.file.Write(p)
	w.offset += int64(n)

	w.s.mu.Lock()
	w.u.offset = w.offset
	w.u.lastActive = w.s.now()
	w.s.mu.Unlock()
	w.s.m.RecordTransfer("upload", int64(n))
	return n, err
}

// abort closes the spool of a reaped upload
func (w *Writer) abort() error {
	w.closed = true
	err := w.file.Close()
	if rerr := w.s.fs.Remove(w.u.path); rerr != nil && !os.IsNotExist(rerr) {
		w.s.l.Warn("could not remove upload spool", zap.String("upload", w.u.id), zap.Error(rerr))
	}
	w.s.mu.Lock()
	w.u.open = false
	w.s.mu.Unlock()
	return err
}

// Close the writer, committing the blob when complete
func (w *Writer) Close() error {
	if w.closed || w.committed {
		w.closed = true
		return nil
	}

	w.s.mu.Lock()
	expired := w.u.expired
	w.s.mu.Unlock()
	if expired {
		_ = w.abort()
		return ErrIdleTimeout.WrapMessage("upload %s was reaped", w.u.id)
	}

	w.closed = true
	if err := w.file.Close(); err != nil {
		w.release()
		return err
	}
	if w.offset < w.u.digest.Size {
		w.release()
		w.s.l.Debug("upload suspended", zap.String("upload", w.u.id), zap.Int64("offset", w.offset))
		return nil
	}

	w.s.mu.Lock()
	w.u.committing = true
	w.s.mu.Unlock()

	err := w.commit()

	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.u.committing = false
	w.u.open = false
	w.u.lastActive = w.s.now()
	if err != nil {
		if errors.Is(err, status.ErrDigestMismatch) {
			// the content is wrong: the upload must start over
			w.s.discardLocked(w.u)
		}
		return err
	}
	if rerr := w.s.fs.Remove(w.u.path); rerr != nil && !os.IsNotExist(rerr) {
		w.s.l.Warn("could not remove upload spool", zap.String("upload", w.u.id), zap.Error(rerr))
	}
	w.u.path = ""
	w.u.committed = true
	w.committed = true
	w.s.l.Debug("upload committed", zap.String("upload", w.u.id), zap.Stringer("digest", w.u.digest))
	return nil
}

func (w *Writer) commit() error {
	file, err := w.s.fs.Open(w.u.path)
	if err != nil {
		return err
	}
	defer file.Close()
	return w.s.store.Put(w.ctx, w.u.digest, file)
}

func (w *Writer) release() {
	w.s.mu.Lock()
	w.u.open = false
	w.u.lastActive = w.s.now()
	w.s.mu.Unlock()
}
