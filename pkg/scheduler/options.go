// Copyright © 2018 One Concern

package scheduler

import (
	"time"

	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"go.uber.org/zap"
)

// Defaults for the scheduler settings
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultAssignTimeout    = 10 * time.Minute
	DefaultMaxRetries       = 3
	DefaultMaxQueued        = 10000
	DefaultReapInterval     = time.Second
)

// Option for the scheduler
type Option func(*Scheduler)

// Logger for the scheduler
func Logger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.l = l
		}
	}
}

// Metrics collector. Metrics are not collected by default.
func Metrics(m *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.m = m
	}
}

// Clock overrides time.Now
func Clock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Matcher decides which workers can run an action
func Matcher(m *platform.Matcher) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.matcher = m
		}
	}
}

// HeartbeatTimeout after which a silent worker is considered lost
func HeartbeatTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.heartbeatTimeout = d
		}
	}
}

// AssignTimeout bounds the time an action waits in the queue. Zero waits forever.
func AssignTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.assignTimeout = d
	}
}

// MaxRetries bounds how many times an execution is requeued
func MaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// MaxQueued bounds the number of outstanding executions
func MaxQueued(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxQueued = n
		}
	}
}

// ReapInterval is the period of the timeout checks
func ReapInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.reapInterval = d
		}
	}
}
