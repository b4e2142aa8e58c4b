// Copyright © 2018 One Concern

package worker

import (
	"time"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Defaults for the worker settings
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultConcurrency       = 8
)

// Option for the worker
type Option func(*Worker)

// Logger for the worker
func Logger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.l = l
		}
	}
}

// Downloads routes input fetches through dl instead of reading the CAS directly
func Downloads(dl Downloader) Option {
	return func(w *Worker) {
		w.dl = dl
	}
}

// Platform properties advertised by the worker
func Platform(props platform.Properties) Option {
	return func(w *Worker) {
		w.props = props.Clone()
	}
}

// Workdir sets the filesystem and root under which execution roots are prepared.
// Commands run by a ProcessExecutor need an OS-backed filesystem.
func Workdir(fs afero.Fs, root string) Option {
	return func(w *Worker) {
		if fs != nil {
			w.fs = fs
		}
		w.root = root
	}
}

// HeartbeatInterval between two heartbeats. It must be well under the scheduler heartbeat timeout.
func HeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeat = d
		}
	}
}

// Concurrency bounds parallel blob transfers while staging inputs and uploading outputs
func Concurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// DigestFunction used to address outputs. It must match the one the CAS verifies with.
func DigestFunction(f digest.Function) Option {
	return func(w *Worker) {
		if f.Valid() {
			w.digestFunc = f
		}
	}
}

// KeepWorkdir leaves execution roots in place after each action, for debugging
func KeepWorkdir(keep bool) Option {
	return func(w *Worker) {
		w.keepWorkdir = keep
	}
}
