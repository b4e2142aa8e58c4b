// Copyright © 2018 One Concern

package transfer

import (
	"time"

	units "github.com/docker/go-units"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Defaults for the transfer settings
const (
	DefaultChunkSize         = 64 * units.KiB
	DefaultMaxBufferedChunks = 16
	DefaultIdleTimeout       = time.Minute
	DefaultSpoolDir          = "/buildfarm-uploads"
)

// Option for the transfer service
type Option func(*Service)

// Logger for the transfer service
func Logger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.l = l
		}
	}
}

// Metrics collector
func Metrics(m *metrics.Collector) Option {
	return func(s *Service) {
		s.m = m
	}
}

// Spool sets where partial uploads are kept. The default is an in-memory filesystem.
func Spool(fs afero.Fs, dir string) Option {
	return func(s *Service) {
		if fs != nil {
			s.fs = fs
		}
		if dir != "" {
			s.dir = dir
		}
	}
}

// ChunkSize of download reads
func ChunkSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// MaxBufferedChunks bounds how far a download producer runs ahead of its consumer
func MaxBufferedChunks(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBuffered = n
		}
	}
}

// IdleTimeout fails stalled downloads and reaps idle uploads
func IdleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// Clock overrides time.Now
func Clock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
