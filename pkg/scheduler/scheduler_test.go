package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/actioncache"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"github.com/oneconcern/buildfarm/pkg/scheduler/status"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/memory"
	storagestatus "github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	s     *Scheduler
	ac    storage.Store
	cas   storage.Store
	cache *actioncache.Cache
	ctx   context.Context
}

func setup(t *testing.T, opts ...Option) *fixture {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		ac:  memory.New(memory.Verifier(storage.NoVerifier)),
		cas: memory.New(),
		ctx: ctx,
	}
	f.cache = actioncache.New(f.ac, f.cas)
	base := []Option{ReapInterval(tick), Logger(zaptest.NewLogger(t))}
	f.s = New(f.cache, append(base, opts...)...)
	t.Cleanup(func() {
		cancel()
		_ = f.s.Close()
	})
	return f
}

func sampleAction(name string) action.Action {
	return action.Action{
		Command:   action.Command{Arguments: []string{"echo", name}},
		InputRoot: digest.Of([]byte("input tree of " + name)),
	}
}

// succeed builds a result whose stdout blob is stored in the CAS
func (f *fixture) succeed(exitCode int) func(Assignment) Report {
	return func(a Assignment) Report {
		out := []byte(fmt.Sprintf("output of %v", a.ActionDigest))
		d := digest.Of(out)
		if err := storage.PutBytes(f.ctx, f.cas, d, out); err != nil {
			return Report{Err: err}
		}
		return Report{Result: &action.Result{ExitCode: exitCode, StdoutDigest: d, StderrDigest: d}}
	}
}

type testWorker struct {
	id SessionID

	mu       sync.Mutex
	executed []digest.Digest
}

func (w *testWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.executed)
}

func (w *testWorker) history() []digest.Digest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]digest.Digest(nil), w.executed...)
}

// startWorker registers a worker that heartbeats and runs assignments until its session ends
func (f *fixture) startWorker(t *testing.T, props platform.Properties, run func(Assignment) Report) *testWorker {
	id, err := f.s.Register(f.ctx, props)
	require.NoError(t, err)
	ch, err := f.s.Assignments(id)
	require.NoError(t, err)

	w := &testWorker{id: id}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-f.ctx.Done():
				return
			case <-ticker.C:
				if f.s.Heartbeat(id) != nil {
					return
				}
			}
		}
	}()
	go func() {
		for a := range ch {
			if f.s.Acknowledge(id, a.ActionDigest) != nil {
				continue
			}
			w.mu.Lock()
			w.executed = append(w.executed, a.ActionDigest)
			w.mu.Unlock()
			_ = f.s.ReportResult(f.ctx, id, a.ActionDigest, run(a))
		}
	}()
	return w
}

func TestExecute(t *testing.T) {
	f := setup(t)
	w := f.startWorker(t, nil, f.succeed(0))

	resp, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, resp.Outcome)
	assert.False(t, resp.CacheHit)
	require.NotNil(t, resp.Result)
	assert.Equal(t, string(w.id), resp.Result.Metadata.Worker)
	assert.Equal(t, 1, resp.Result.Metadata.Attempts)
	assert.False(t, resp.Result.Metadata.WorkerCompleted.IsZero())

	// the second submission is served by the action cache
	again, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, resp.Result.StdoutDigest, again.Result.StdoutDigest)
	assert.Equal(t, 1, w.count())

	st := f.s.Stats()
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 0, st.Flights)
}

func TestFailureIsCachedResult(t *testing.T) {
	f := setup(t)
	w := f.startWorker(t, nil, f.succeed(2))

	resp, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err, "a non-zero exit is not an error")
	assert.Equal(t, OutcomeFailure, resp.Outcome)
	assert.Equal(t, 2, resp.Result.ExitCode)

	again, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, OutcomeFailure, again.Outcome)
	assert.Equal(t, 1, w.count())
}

func TestDoNotCache(t *testing.T) {
	f := setup(t)
	w := f.startWorker(t, nil, f.succeed(0))

	a := sampleAction("a")
	a.DoNotCache = true
	for i := 0; i < 2; i++ {
		resp, err := f.s.Execute(f.ctx, a)
		require.NoError(t, err)
		assert.False(t, resp.CacheHit)
	}
	assert.Equal(t, 2, w.count())
	keys, err := f.ac.Keys(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConcurrentSubmissionsExecuteOnce(t *testing.T) {
	f := setup(t)
	release := make(chan struct{})
	succeed := f.succeed(0)
	w := f.startWorker(t, nil, func(a Assignment) Report {
		<-release
		return succeed(a)
	})

	const n = 10
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := f.s.Submit(f.ctx, sampleAction("shared"))
			if err == nil {
				handles[i] = h
			}
		}(i)
	}
	wg.Wait()
	close(release)

	var first *Response
	for _, h := range handles {
		require.NotNil(t, h)
		resp, err := h.Wait(f.ctx)
		require.NoError(t, err)
		if first == nil {
			first = resp
			continue
		}
		assert.Equal(t, first.Result, resp.Result, "every caller gets the identical result")
	}
	assert.Equal(t, 1, w.count())

	keys, err := f.ac.Keys(f.ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

// gatedStore holds action cache writes until released
type gatedStore struct {
	storage.Store
	putting chan struct{}
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, d digest.Digest, r io.Reader) error {
	g.putting <- struct{}{}
	<-g.release
	return g.Store.Put(ctx, d, r)
}

func TestSubmitWhileResultIsCommitted(t *testing.T) {
	f := setup(t)
	gated := &gatedStore{Store: f.ac, putting: make(chan struct{}, 1), release: make(chan struct{})}
	f.s.cache = actioncache.New(gated, f.cas)
	w := f.startWorker(t, nil, f.succeed(0))

	h1, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	select {
	case <-gated.putting:
	case <-time.After(waitFor):
		t.Fatal("result never reached the action cache")
	}

	// the result is being committed: a new caller joins the flight instead of executing again
	h2, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	st := f.s.Stats()
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, 1, st.Flights)
	close(gated.release)

	r1, err := h1.Wait(f.ctx)
	require.NoError(t, err)
	r2, err := h2.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.Result, r2.Result)

	// once the flight is gone the caller that claims the digest finds the cached result
	r3, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	assert.True(t, r3.CacheHit)
	assert.Equal(t, 1, w.count())
	assert.Equal(t, 0, f.s.Stats().Flights)
}

func TestCacheHitCompletesJoiners(t *testing.T) {
	f := setup(t)
	w := f.startWorker(t, nil, f.succeed(0))
	_, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	hits := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.s.Execute(f.ctx, sampleAction("a"))
			if err == nil {
				hits[i] = resp.CacheHit
			}
		}(i)
	}
	wg.Wait()
	for _, hit := range hits {
		assert.True(t, hit)
	}
	assert.Equal(t, 1, w.count())
	assert.Equal(t, 0, f.s.Stats().Flights)
}

func TestInvalidAction(t *testing.T) {
	f := setup(t)

	_, err := f.s.Submit(f.ctx, action.Action{InputRoot: digest.Of([]byte("x"))})
	assert.True(t, errors.Is(err, status.ErrInvalidAction))

	_, err = f.s.Submit(f.ctx, action.Action{Command: action.Command{Arguments: []string{"true"}}})
	assert.True(t, errors.Is(err, storagestatus.ErrInvalidDigest))

	a := sampleAction("a")
	a.Command.OutputPaths = []string{"../escape"}
	_, err = f.s.Submit(f.ctx, a)
	assert.True(t, errors.Is(err, status.ErrInvalidAction))
}

func TestQueueFull(t *testing.T) {
	f := setup(t, MaxQueued(1), AssignTimeout(0))

	h1, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)

	_, err = f.s.Submit(f.ctx, sampleAction("b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrQueueFull))
	assert.True(t, errors.Is(err, storagestatus.ErrResourceExhausted))

	// joining an execution in flight is not an admission
	h2, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	assert.Equal(t, h1.ActionDigest(), h2.ActionDigest())
}

func TestAssignTimeout(t *testing.T) {
	f := setup(t, AssignTimeout(30*time.Millisecond))
	// a worker that never matches
	f.startWorker(t, platform.Properties{"os": "darwin"}, f.succeed(0))

	a := sampleAction("a")
	a.Platform = platform.Properties{"os": "linux"}
	resp, err := f.s.Execute(f.ctx, a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrWorkerUnavailable))
	assert.Equal(t, OutcomeError, resp.Outcome)
	assert.Equal(t, 0, f.s.Stats().Queued)
}

func TestAssignTimeoutWithClock(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := setup(t, AssignTimeout(time.Minute), ReapInterval(time.Hour), Clock(clock))

	h, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)

	f.s.Reap()
	assert.Equal(t, 1, f.s.Stats().Queued)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	f.s.Reap()

	<-h.Done()
	_, err = h.Wait(f.ctx)
	assert.True(t, errors.Is(err, status.ErrWorkerUnavailable))
}

func TestPriorityThenFIFO(t *testing.T) {
	f := setup(t, AssignTimeout(0))

	low1, low2, high, low3 := sampleAction("low1"), sampleAction("low2"), sampleAction("high"), sampleAction("low3")
	high.Priority = 5
	var handles []*Handle
	for _, a := range []action.Action{low1, low2, high, low3} {
		h, err := f.s.Submit(f.ctx, a)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	w := f.startWorker(t, nil, f.succeed(0))
	for _, h := range handles {
		_, err := h.Wait(f.ctx)
		require.NoError(t, err)
	}

	expected := []digest.Digest{handles[2].ActionDigest(), handles[0].ActionDigest(), handles[1].ActionDigest(), handles[3].ActionDigest()}
	assert.Equal(t, expected, w.history())
}

func TestPriorityIsNotIdentity(t *testing.T) {
	a := sampleAction("a")
	b := a
	b.Priority = 10
	da, _, err := a.Digest()
	require.NoError(t, err)
	db, _, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestPlatformMatching(t *testing.T) {
	f := setup(t, Matcher(platform.NewMatcher(map[string]platform.PropertyType{"cores": platform.Minimum})))
	small := f.startWorker(t, platform.Properties{"os": "linux", "cores": "2"}, f.succeed(0))
	big := f.startWorker(t, platform.Properties{"os": "linux", "cores": "16"}, f.succeed(0))

	a := sampleAction("a")
	a.Platform = platform.Properties{"os": "linux", "cores": "8"}
	resp, err := f.s.Execute(f.ctx, a)
	require.NoError(t, err)
	assert.Equal(t, string(big.id), resp.Result.Metadata.Worker)
	assert.Equal(t, 0, small.count())
}

func TestCancelQueuedLastWaiter(t *testing.T) {
	f := setup(t, AssignTimeout(0))

	h1, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	h2, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)

	h1.Cancel()
	h1.Cancel()
	assert.Equal(t, 1, f.s.Stats().Queued, "another caller still waits")

	h2.Cancel()
	<-h2.Done()
	resp := h2.flight.Response()
	assert.Equal(t, OutcomeError, resp.Outcome)
	assert.True(t, errors.Is(resp.Err, status.ErrCancelled))
	assert.Equal(t, Stats{}, f.s.Stats())

	// withdrawn executions are not cached: a later worker never sees it
	w := f.startWorker(t, nil, f.succeed(0))
	time.Sleep(10 * tick)
	assert.Equal(t, 0, w.count())
	keys, err := f.ac.Keys(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWaitContextDone(t *testing.T) {
	f := setup(t, AssignTimeout(0))

	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := f.s.Execute(ctx, sampleAction("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrCancelled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, f.s.Stats().Queued, "the sole waiter left: the execution is withdrawn")
}

func TestCancelWhileExecutingStillCaches(t *testing.T) {
	f := setup(t)
	release := make(chan struct{})
	succeed := f.succeed(0)
	f.startWorker(t, nil, func(a Assignment) Report {
		<-release
		return succeed(a)
	})

	h, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.s.Stats().Executing == 1 }, waitFor, tick)

	h.Cancel()
	assert.Equal(t, 1, f.s.Stats().Executing, "execution continues without waiters")
	close(release)

	require.Eventually(t, func() bool {
		_, err := f.cache.Get(f.ctx, h.ActionDigest())
		return err == nil
	}, waitFor, tick)
}

func TestClose(t *testing.T) {
	f := setup(t, AssignTimeout(0))

	id, err := f.s.Register(f.ctx, nil)
	require.NoError(t, err)
	ch, err := f.s.Assignments(id)
	require.NoError(t, err)

	h, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	h2, err := f.s.Submit(f.ctx, sampleAction("b"))
	require.NoError(t, err)

	require.NoError(t, f.s.Close())
	require.NoError(t, f.s.Close())

	for _, handle := range []*Handle{h, h2} {
		_, err = handle.Wait(f.ctx)
		assert.True(t, errors.Is(err, status.ErrClosed))
	}

	// the session channel is drained then closed
	for range ch {
	}
	_, err = f.s.Submit(f.ctx, sampleAction("c"))
	assert.True(t, errors.Is(err, status.ErrClosed))
	_, err = f.s.Register(f.ctx, nil)
	assert.True(t, errors.Is(err, status.ErrClosed))
}

func TestCacheMissWhenOutputsEvicted(t *testing.T) {
	f := setup(t)
	w := f.startWorker(t, nil, f.succeed(0))

	resp, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	require.NoError(t, f.cas.Delete(f.ctx, resp.Result.StdoutDigest))

	again, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	assert.False(t, again.CacheHit, "a result whose outputs are gone is executed again")
	assert.Equal(t, 2, w.count())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "failure", OutcomeFailure.String())
	assert.Equal(t, "error", OutcomeError.String())
	assert.Equal(t, "queued", Queued.String())
	assert.Equal(t, "completed", Completed.String())
}

func countingReport(n *int32, r Report) func(Assignment) Report {
	return func(Assignment) Report {
		atomic.AddInt32(n, 1)
		return r
	}
}
