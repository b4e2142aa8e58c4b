// Copyright © 2018 One Concern

package transfer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/oneconcern/buildfarm/pkg/digest"
)

type chunk struct {
	data []byte
	err  error
}

// OpenDownload streams d from offset to its end.
//
// A producer reads ahead at most MaxBufferedChunks chunks. The stream fails with
// ErrIdleTimeout when either side makes no progress within the idle timeout.
func (s *Service) OpenDownload(ctx context.Context, d digest.Digest, offset int64) (io.ReadCloser, error) {
	rdr, err := s.store.GetRange(ctx, d, offset, -1)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &downloadReader{
		s:      s,
		rdr:    rdr,
		chunks: make(chan chunk, s.maxBuffered),
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.produce(ctx)
	return r, nil
}

type downloadReader struct {
	s      *Service
	rdr    io.ReadCloser
	chunks chan chunk
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.Mutex
	stalled   error

	cur   []byte
	final error
}

func (r *downloadReader) produce(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.chunks)
	defer r.closeSource()

	for {
		buf := make([]byte, r.s.chunkSize)
		n, err := io.ReadFull(r.rdr, buf)
		if n > 0 && !r.send(ctx, chunk{data: buf[:n]}) {
			return
		}
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			r.send(ctx, chunk{err: io.EOF})
		default:
			r.send(ctx, chunk{err: err})
		}
		return
	}
}

func (r *downloadReader) send(ctx context.Context, c chunk) bool {
	timer := time.NewTimer(r.s.idleTimeout)
	defer timer.Stop()

	select {
	case r.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		r.mu.Lock()
		r.stalled = ErrIdleTimeout.WrapMessage("download consumer made no progress within %v", r.s.idleTimeout)
		r.mu.Unlock()
		return false
	}
}

func (r *downloadReader) closeSource() {
	r.closeOnce.Do(func() {
		_ = r.rdr.Close()
	})
}

func (r *downloadReader) Read(p []byte) (int, error) {
	if len(r.cur) == 0 {
		if r.final != nil {
			return 0, r.final
		}
		timer := time.NewTimer(r.s.idleTimeout)
		select {
		case c, ok := <-r.chunks:
			timer.Stop()
			switch {
			case !ok:
				r.mu.Lock()
				r.final = r.stalled
				r.mu.Unlock()
				if r.final == nil {
					r.final = io.ErrUnexpectedEOF
				}
				return 0, r.final
			case c.err != nil:
				r.final = c.err
				return 0, r.final
			}
			r.cur = c.data
		case <-timer.C:
			r.final = ErrIdleTimeout.WrapMessage("download producer made no progress within %v", r.s.idleTimeout)
			r.cancel()
			return 0, r.final
		}
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	r.s.m.RecordTransfer("download", int64(n))
	return n, nil
}

// Close stops the producer and releases the store reader
func (r *downloadReader) Close() error {
	r.cancel()
	r.closeSource()
	r.wg.Wait()
	return nil
}
