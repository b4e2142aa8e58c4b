// Copyright © 2018 One Concern

// Package worker implements the agent that runs actions handed out by the scheduler.
//
// For each assignment the worker stages the input tree from the CAS into a fresh
// execution root, runs the command, uploads outputs, stdout and stderr to the CAS,
// then reports the result.
package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"github.com/oneconcern/buildfarm/pkg/scheduler"
	"github.com/oneconcern/buildfarm/pkg/scheduler/status"
	"github.com/oneconcern/buildfarm/pkg/storage"
	storagestatus "github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInputs is returned when the input tree cannot be staged
var ErrInputs = errors.New("cannot stage inputs")

// Coordinator is the scheduler side of the worker protocol
type Coordinator interface {
	Register(context.Context, platform.Properties) (scheduler.SessionID, error)
	Assignments(scheduler.SessionID) (<-chan scheduler.Assignment, error)
	Heartbeat(scheduler.SessionID) error
	Acknowledge(scheduler.SessionID, digest.Digest) error
	ReportResult(context.Context, scheduler.SessionID, digest.Digest, scheduler.Report) error
	Disconnect(scheduler.SessionID) error
}

var _ Coordinator = &scheduler.Scheduler{}

// Downloader streams a blob from offset, e.g. a *transfer.Service
type Downloader interface {
	OpenDownload(ctx context.Context, d digest.Digest, offset int64) (io.ReadCloser, error)
}

// Worker agent
type Worker struct {
	coord Coordinator
	cas   storage.Store
	exec  Executor
	dl    Downloader

	props       platform.Properties
	fs          afero.Fs
	root        string
	heartbeat   time.Duration
	concurrency int
	digestFunc  digest.Function
	keepWorkdir bool
	l           *zap.Logger
}

// New worker pulling work from coord, with blobs in cas
func New(coord Coordinator, cas storage.Store, exec Executor, opts ...Option) *Worker {
	w := &Worker{
		coord:       coord,
		cas:         cas,
		exec:        exec,
		fs:          afero.NewOsFs(),
		root:        os.TempDir(),
		heartbeat:   DefaultHeartbeatInterval,
		concurrency: DefaultConcurrency,
		digestFunc:  digest.SHA256,
		l:           zap.NewNop(),
	}
	for _, apply := range opts {
		apply(w)
	}
	return w
}

// Run serves assignments until ctx is done or the scheduler shuts down.
// A session lost to a missed heartbeat is replaced by a new registration.
func (w *Worker) Run(ctx context.Context) error {
	for {
		id, err := w.register(ctx)
		if err != nil {
			return err
		}
		err = w.serve(ctx, id)
		if ctx.Err() != nil {
			_ = w.coord.Disconnect(id)
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		w.l.Info("worker session ended, registering again", zap.String("worker", string(id)))
	}
}

func (w *Worker) register(ctx context.Context) (scheduler.SessionID, error) {
	var id scheduler.SessionID
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		id, err = w.coord.Register(ctx, w.props)
		if err == nil {
			return nil
		}
		if errors.Is(err, status.ErrClosed) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		w.l.Warn("registration failed, retrying", zap.Error(err))
		return err
	}, policy)
	if err != nil {
		return "", err
	}
	w.l.Info("worker registered", zap.String("worker", string(id)), zap.Stringer("platform", w.props))
	return id, nil
}

// serve one session until its assignment channel closes
func (w *Worker) serve(ctx context.Context, id scheduler.SessionID) error {
	assignments, err := w.coord.Assignments(id)
	if err != nil {
		if errors.Is(err, status.ErrSessionExpired) {
			return nil
		}
		return err
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go w.heartbeats(hbCtx, id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-assignments:
			if !ok {
				return nil
			}
			w.handle(ctx, id, a)
		}
	}
}

func (w *Worker) heartbeats(ctx context.Context, id scheduler.SessionID) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.coord.Heartbeat(id); err != nil {
				w.l.Warn("heartbeat refused", zap.String("worker", string(id)), zap.Error(err))
				return
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, id scheduler.SessionID, a scheduler.Assignment) {
	l := w.l.With(zap.String("worker", string(id)), zap.Stringer("action", a.ActionDigest), zap.Int("attempt", a.Attempt))
	if err := w.coord.Acknowledge(id, a.ActionDigest); err != nil {
		l.Warn("assignment acknowledgement refused", zap.Error(err))
		return
	}

	result, err := w.Execute(ctx, a.Action)
	if err != nil {
		l.Warn("action could not run", zap.Error(err))
	} else {
		l.Debug("action ran", zap.Int("exit_code", result.ExitCode))
	}
	if err = w.coord.ReportResult(ctx, id, a.ActionDigest, scheduler.Report{Result: result, Err: err}); err != nil {
		l.Warn("result report failed", zap.Error(err))
	}
}

// Execute runs an action in a fresh execution root: stage inputs, run, upload outputs, clean up
func (w *Worker) Execute(ctx context.Context, a action.Action) (*action.Result, error) {
	start := time.Now()
	dir := filepath.Join(w.root, "buildfarm-exec-"+ksuid.New().String())
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, ErrInputs.Wrap(err)
	}
	if !w.keepWorkdir {
		defer func() {
			if err := w.fs.RemoveAll(dir); err != nil {
				w.l.Warn("could not clean execution root", zap.String("dir", dir), zap.Error(err))
			}
		}()
	}

	if err := w.stageInputs(ctx, dir, a); err != nil {
		return nil, err
	}

	workDir := dir
	if a.Command.WorkingDirectory != "" {
		workDir = filepath.Join(dir, filepath.FromSlash(a.Command.WorkingDirectory))
	}
	if err := w.fs.MkdirAll(workDir, 0o755); err != nil {
		return nil, ErrInputs.Wrap(err)
	}
	for _, p := range a.Command.OutputPaths {
		if err := w.fs.MkdirAll(filepath.Dir(filepath.Join(dir, filepath.FromSlash(p))), 0o755); err != nil {
			return nil, ErrInputs.Wrap(err)
		}
	}

	execStart := time.Now()
	res, err := w.exec.Run(ctx, ExecRequest{
		Dir:         workDir,
		Arguments:   a.Command.Arguments,
		Environment: a.Command.Environment,
		Timeout:     a.Timeout,
	})
	if err != nil {
		return nil, err
	}

	outputs, err := w.uploadOutputs(ctx, dir, a.Command.OutputPaths)
	if err != nil {
		return nil, err
	}
	stdout, err := w.putBytes(ctx, res.Stdout)
	if err != nil {
		return nil, err
	}
	stderr, err := w.putBytes(ctx, res.Stderr)
	if err != nil {
		return nil, err
	}

	w.l.Debug("action executed",
		zap.Duration("staging", execStart.Sub(start)),
		zap.Duration("total", time.Since(start)),
	)
	return &action.Result{
		ExitCode:     res.ExitCode,
		OutputFiles:  outputs,
		StdoutDigest: stdout,
		StderrDigest: stderr,
		Metadata: action.Metadata{
			WorkerStart:     start,
			WorkerCompleted: time.Now(),
		},
	}, nil
}

// open reads an input blob through the downloader, or straight from the CAS without one
func (w *Worker) open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if w.dl == nil {
		return w.cas.Get(ctx, d)
	}
	return w.dl.OpenDownload(ctx, d, 0)
}

func (w *Worker) readTree(ctx context.Context, d digest.Digest) (action.InputTree, error) {
	if d.Size > storage.MaxObjectSizeInMemory {
		return action.InputTree{}, storagestatus.ErrResourceExhausted.WrapMessage("input tree %v is too big to be read into memory", d)
	}
	rdr, err := w.open(ctx, d)
	if err != nil {
		return action.InputTree{}, err
	}
	defer rdr.Close()

	data, err := io.ReadAll(io.LimitReader(rdr, d.Size+1))
	if err != nil {
		return action.InputTree{}, err
	}
	if int64(len(data)) != d.Size {
		return action.InputTree{}, storagestatus.ErrDigestMismatch.WrapMessage("input tree %v has %d bytes", d, len(data))
	}
	return action.DecodeTree(data)
}

func (w *Worker) stageInputs(ctx context.Context, dir string, a action.Action) error {
	tree, err := w.readTree(ctx, a.InputRoot)
	if err != nil {
		return ErrInputs.Wrap(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, f := range tree.Files {
		f := f
		g.Go(func() error {
			return w.fetch(gctx, filepath.Join(dir, filepath.FromSlash(f.Path)), f)
		})
	}
	if err = g.Wait(); err != nil {
		return ErrInputs.Wrap(err)
	}
	return nil
}

func (w *Worker) fetch(ctx context.Context, target string, f action.InputFile) error {
	if err := w.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if f.Executable {
		mode = 0o755
	}

	rdr, err := w.open(ctx, f.Digest)
	if err != nil {
		return err
	}
	defer rdr.Close()

	file, err := w.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err = io.Copy(file, rdr); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// uploadOutputs stores the declared outputs the command produced. Missing outputs are skipped.
func (w *Worker) uploadOutputs(ctx context.Context, dir string, paths []string) ([]action.OutputFile, error) {
	outputs := make([]action.OutputFile, len(paths))
	found := make([]bool, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			source := filepath.Join(dir, filepath.FromSlash(p))
			info, err := w.fs.Stat(source)
			if os.IsNotExist(err) || (err == nil && info.IsDir()) {
				return nil
			}
			if err != nil {
				return err
			}
			d, err := w.upload(gctx, source)
			if err != nil {
				return err
			}
			outputs[i] = action.OutputFile{Path: p, Digest: d, Executable: info.Mode()&0o111 != 0}
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]action.OutputFile, 0, len(paths))
	for i := range outputs {
		if found[i] {
			result = append(result, outputs[i])
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// upload streams a file twice: once to digest it, once into the CAS
func (w *Worker) upload(ctx context.Context, source string) (digest.Digest, error) {
	file, err := w.fs.Open(source)
	if err != nil {
		return digest.Digest{}, err
	}
	d, err := w.digestFunc.FromReader(file)
	_ = file.Close()
	if err != nil {
		return digest.Digest{}, err
	}

	file, err = w.fs.Open(source)
	if err != nil {
		return digest.Digest{}, err
	}
	defer file.Close()
	if err = w.cas.Put(ctx, d, file); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

func (w *Worker) putBytes(ctx context.Context, data []byte) (digest.Digest, error) {
	d := w.digestFunc.Of(data)
	if err := storage.PutBytes(ctx, w.cas, d, data); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}
