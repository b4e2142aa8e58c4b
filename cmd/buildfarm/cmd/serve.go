// Copyright © 2018 One Concern

package cmd

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/oneconcern/buildfarm/pkg/actioncache"
	"github.com/oneconcern/buildfarm/pkg/config"
	"github.com/oneconcern/buildfarm/pkg/dlogger"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/scheduler"
	"github.com/oneconcern/buildfarm/pkg/transfer"
	"github.com/oneconcern/buildfarm/pkg/web"
	"github.com/oneconcern/buildfarm/pkg/worker"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the buildfarm daemon",
	Long: `Runs the content addressable store, the action cache and the scheduler, along with
the configured number of local workers. Blobs, executions, metrics and health checks are
served over HTTP on the admin address.

The daemon stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := dlogger.GetLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = l.Sync() }()

		ctx, cancel := withSignals(context.Background(), l)
		defer cancel()

		lis, err := net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			return err
		}
		if cfg.Admin.MaxConnections > 0 {
			lis = netutil.LimitListener(lis, cfg.Admin.MaxConnections)
		}
		return serve(ctx, cfg, lis, l)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve runs the daemon until ctx is done. It takes ownership of lis.
func serve(ctx context.Context, cfg *config.Config, lis net.Listener, l *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewCollector(metrics.WithRegisterer(reg))
	if err != nil {
		_ = lis.Close()
		return err
	}

	deps := config.Deps{Logger: l, Tracer: opentracing.GlobalTracer(), Metrics: m}
	cas, err := cfg.BuildCAS(ctx, deps)
	if err != nil {
		_ = lis.Close()
		return err
	}
	defer func() { _ = cas.Close() }()

	ac, err := cfg.BuildActionCache(ctx, deps)
	if err != nil {
		_ = lis.Close()
		return err
	}
	defer func() { _ = ac.Close() }()

	sched := scheduler.New(
		actioncache.New(ac, cas, actioncache.Logger(l)),
		cfg.SchedulerOptions(l.With(zap.String("component", "scheduler")), m)...,
	)
	svc, err := transfer.New(cas, cfg.TransferOptions(l.With(zap.String("component", "transfer")), m)...)
	if err != nil {
		_ = sched.Close()
		_ = lis.Close()
		return err
	}

	srv := &http.Server{
		Handler: web.InitRouter(web.NewServer(web.ServerParams{
			Scheduler:   sched,
			CAS:         cas,
			ActionCache: ac,
			Transfer:    svc,
			Gatherer:    reg,
			Logger:      l.With(zap.String("component", "http")),
		})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers.Local; i++ {
		opts := append(cfg.WorkerOptions(l.With(zap.String("component", "worker"), zap.Int("worker", i))), worker.Downloads(svc))
		w := worker.New(sched, cas, worker.ProcessExecutor{InheritEnv: cfg.Workers.InheritEnv}, opts...)
		g.Go(func() error {
			if err := w.Run(gctx); !expectedStop(err) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		l.Info("serving", zap.Stringer("address", lis.Addr()), zap.Int("workers", cfg.Workers.Local))
		if err := srv.Serve(lis); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		_ = sched.Close()
		_ = svc.Close()
		return err
	})

	if err := g.Wait(); !expectedStop(err) {
		return err
	}
	return nil
}
