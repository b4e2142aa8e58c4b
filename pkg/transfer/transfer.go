// Copyright © 2018 One Concern

// Package transfer moves blobs in and out of a store as resumable chunked streams.
//
// Uploads are spooled under their upload id and committed with a single Put once the
// last byte is in, so the store verifies the content. Downloads stream a range of the
// blob through a bounded buffer.
package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	// ErrIdleTimeout is returned when a stream made no progress within the idle timeout
	ErrIdleTimeout = errors.New("transfer idle timeout")

	// ErrUnknownUpload is returned for upload ids the service does not track
	ErrUnknownUpload = status.ErrNotFound.WrapMessage("unknown upload")

	// ErrUploadBusy is returned when an upload is already open by another writer
	ErrUploadBusy = errors.New("upload is already in progress")

	// ErrUploadMismatch is returned when an upload id is reused for another digest
	ErrUploadMismatch = errors.New("upload id is bound to another digest")

	// ErrCommitted is returned when writing to a complete upload
	ErrCommitted = errors.New("upload is already committed")

	// ErrClosed is returned once the service is shut down
	ErrClosed = errors.New("transfer service is closed")
)

// NewUploadID returns a fresh, unique upload id
func NewUploadID() string {
	return ksuid.New().String()
}

// Service hands out upload writers and download readers over a store
type Service struct {
	store storage.Store

	fs          afero.Fs
	dir         string
	chunkSize   int
	maxBuffered int
	idleTimeout time.Duration
	now         func() time.Time
	l           *zap.Logger
	m           *metrics.Collector

	mu      sync.Mutex
	uploads map[string]*upload
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type upload struct {
	id         string
	digest     digest.Digest
	path       string
	offset     int64
	lastActive time.Time
	open       bool
	committing bool
	expired    bool
	committed  bool
}

// UploadStatus tells a client where to resume
type UploadStatus struct {
	Offset    int64
	Committed bool
}

// New transfer service over store. It reaps idle uploads in the background: call Close to stop it.
func New(store storage.Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:       store,
		fs:          afero.NewMemMapFs(),
		dir:         DefaultSpoolDir,
		chunkSize:   DefaultChunkSize,
		maxBuffered: DefaultMaxBufferedChunks,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		l:           zap.NewNop(),
		uploads:     make(map[string]*upload),
		stop:        make(chan struct{}),
	}
	for _, apply := range opts {
		apply(s)
	}
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.reap()
	return s, nil
}

// OpenUpload starts or resumes the upload of d under uploadID.
//
// A resumed upload continues at the offset the service recorded. When the store already
// holds d, the returned writer is committed and expects no data.
func (s *Service) OpenUpload(ctx context.Context, uploadID string, d digest.Digest) (*Writer, error) {
	if uploadID == "" {
		return nil, ErrUnknownUpload.WrapMessage("empty upload id")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	ok, err := s.store.Has(ctx, d)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	u, exists := s.uploads[uploadID]
	switch {
	case exists && u.digest != d:
		return nil, ErrUploadMismatch.WrapMessage("upload %s is for %v, not %v", uploadID, u.digest, d)
	case exists && u.open:
		return nil, ErrUploadBusy.WrapMessage("upload %s", uploadID)
	}

	if ok {
		s.l.Debug("upload short-circuited: blob is present", zap.String("upload", uploadID), zap.Stringer("digest", d))
		if exists {
			s.discardLocked(u)
		}
		u = &upload{id: uploadID, digest: d, offset: d.Size, committed: true, lastActive: s.now()}
		s.uploads[uploadID] = u
		return &Writer{s: s, ctx: ctx, u: u, offset: d.Size, committed: true}, nil
	}
	if exists && u.committed {
		// committed earlier but gone from the store since: start over
		s.discardLocked(u)
		exists = false
	}

	if !exists {
		u = &upload{
			id:     uploadID,
			digest: d,
			path:   filepath.Join(s.dir, uploadID),
		}
		s.uploads[uploadID] = u
	}

	file, err := s.fs.OpenFile(u.path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	// drop whatever was written past the recorded offset
	if err = file.Truncate(u.offset); err != nil {
		_ = file.Close()
		return nil, err
	}
	if _, err = file.Seek(u.offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, err
	}

	u.open = true
	u.expired = false
	u.lastActive = s.now()
	s.l.Debug("upload opened", zap.String("upload", uploadID), zap.Stringer("digest", d), zap.Int64("offset", u.offset))
	return &Writer{s: s, ctx: ctx, u: u, file: file, offset: u.offset}, nil
}

// QueryUpload returns the offset at which an upload resumes
func (s *Service) QueryUpload(uploadID string) (UploadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok {
		return UploadStatus{}, ErrUnknownUpload.WrapMessage("%s", uploadID)
	}
	return UploadStatus{Offset: u.offset, Committed: u.committed}, nil
}

// discardLocked forgets an upload and removes its spool
func (s *Service) discardLocked(u *upload) {
	if s.uploads[u.id] == u {
		delete(s.uploads, u.id)
	}
	if u.path != "" && !u.open {
		if err := s.fs.Remove(u.path); err != nil && !os.IsNotExist(err) {
			s.l.Warn("could not remove upload spool", zap.String("upload", u.id), zap.Error(err))
		}
	}
}

func (s *Service) reap() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// Reap discards uploads idle for longer than the idle timeout. It runs periodically in the background.
func (s *Service) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, u := range s.uploads {
		if u.committing || now.Sub(u.lastActive) <= s.idleTimeout {
			continue
		}
		s.l.Info("reaping idle upload", zap.String("upload", u.id), zap.Stringer("digest", u.digest), zap.Int64("offset", u.offset))
		u.expired = true
		s.discardLocked(u)
	}
}

// Close stops the reaper and discards partial uploads
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	for _, u := range s.uploads {
		u.expired = true
		s.discardLocked(u)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
