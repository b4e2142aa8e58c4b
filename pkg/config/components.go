// Copyright © 2018 One Concern

package config

import (
	"os"
	"path/filepath"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"github.com/oneconcern/buildfarm/pkg/scheduler"
	"github.com/oneconcern/buildfarm/pkg/transfer"
	"github.com/oneconcern/buildfarm/pkg/worker"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// SchedulerOptions from the configuration. The configuration must be valid.
func (c *Config) SchedulerOptions(l *zap.Logger, m *metrics.Collector) []scheduler.Option {
	sc := c.Scheduler
	heartbeat, _ := parseDuration("", sc.HeartbeatTimeout)
	assign, _ := parseDuration("", sc.AssignTimeout)
	reap, _ := parseDuration("", sc.ReapInterval)
	matcher, _ := sc.Matcher()

	opts := []scheduler.Option{
		scheduler.Logger(l),
		scheduler.Metrics(m),
		scheduler.Matcher(matcher),
		scheduler.HeartbeatTimeout(heartbeat),
		scheduler.AssignTimeout(assign),
		scheduler.MaxQueued(sc.MaxQueued),
		scheduler.ReapInterval(reap),
	}
	if sc.MaxRetries != nil {
		opts = append(opts, scheduler.MaxRetries(*sc.MaxRetries))
	}
	return opts
}

// WorkerOptions for local workers. Execution roots live on the OS filesystem.
func (c *Config) WorkerOptions(l *zap.Logger) []worker.Option {
	wc := c.Workers
	heartbeat, _ := parseDuration("", wc.HeartbeatInterval)
	root := wc.Workdir
	if root == "" {
		root = filepath.Join(os.TempDir(), "buildfarm")
	}
	return []worker.Option{
		worker.Logger(l),
		worker.Platform(platform.Properties(wc.Platform)),
		worker.Workdir(afero.NewOsFs(), root),
		worker.HeartbeatInterval(heartbeat),
		worker.Concurrency(wc.Concurrency),
		worker.DigestFunction(digest.Function(c.DigestFunction)),
		worker.KeepWorkdir(wc.KeepWorkdir),
	}
}

// TransferOptions for the transfer service. Uploads are spooled in memory unless
// a spool directory is configured.
func (c *Config) TransferOptions(l *zap.Logger, m *metrics.Collector) []transfer.Option {
	tc := c.Transfer
	chunk, _ := parseSize("", tc.ChunkSize)
	idle, _ := parseDuration("", tc.IdleTimeout)

	opts := []transfer.Option{
		transfer.Logger(l),
		transfer.Metrics(m),
		transfer.ChunkSize(int(chunk)),
		transfer.MaxBufferedChunks(tc.MaxBufferedChunks),
		transfer.IdleTimeout(idle),
	}
	if tc.SpoolDir != "" {
		opts = append(opts, transfer.Spool(afero.NewOsFs(), tc.SpoolDir))
	}
	return opts
}
