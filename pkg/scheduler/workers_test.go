package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/scheduler/status"
	storagestatus "github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerLossRequeues(t *testing.T) {
	f := setup(t, HeartbeatTimeout(50*time.Millisecond))

	// this worker takes the action, then goes silent
	lost, err := f.s.Register(f.ctx, nil)
	require.NoError(t, err)
	ch, err := f.s.Assignments(lost)
	require.NoError(t, err)

	h, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	a := <-ch
	assert.Equal(t, h.ActionDigest(), a.ActionDigest)
	assert.Equal(t, 1, a.Attempt)
	require.NoError(t, f.s.Acknowledge(lost, a.ActionDigest))
	require.NoError(t, f.s.Acknowledge(lost, a.ActionDigest), "acknowledging twice is harmless")
	assert.Equal(t, 1, f.s.Stats().Executing)

	healthy := f.startWorker(t, nil, f.succeed(0))
	resp, err := h.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, string(healthy.id), resp.Result.Metadata.Worker)
	assert.Equal(t, 2, resp.Result.Metadata.Attempts)

	_, open := <-ch
	assert.False(t, open, "the lost session is torn down")
	assert.True(t, errors.Is(f.s.Heartbeat(lost), status.ErrSessionExpired))

	// a late report from the lost worker is refused
	err = f.s.ReportResult(f.ctx, lost, a.ActionDigest, Report{Result: &action.Result{}})
	assert.True(t, errors.Is(err, status.ErrSessionExpired))

	keys, err := f.ac.Keys(f.ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestWorkerLossExhaustsRetries(t *testing.T) {
	f := setup(t, MaxRetries(0))

	id, err := f.s.Register(f.ctx, nil)
	require.NoError(t, err)
	ch, err := f.s.Assignments(id)
	require.NoError(t, err)

	h, err := f.s.Submit(f.ctx, sampleAction("a"))
	require.NoError(t, err)
	a := <-ch
	require.NoError(t, f.s.Acknowledge(id, a.ActionDigest))
	require.NoError(t, f.s.Disconnect(id))

	resp, err := h.Wait(f.ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrWorkerUnavailable))
	assert.Equal(t, OutcomeError, resp.Outcome)
	assert.Nil(t, resp.Result)
	assert.True(t, errors.Is(f.s.Disconnect(id), status.ErrSessionExpired))
}

func TestReportedErrorRetriesThenFails(t *testing.T) {
	f := setup(t, MaxRetries(1))
	var attempts int32
	f.startWorker(t, nil, countingReport(&attempts, Report{Err: storagestatus.ErrNotFound.WrapMessage("input missing")}))

	resp, err := f.s.Execute(f.ctx, sampleAction("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storagestatus.ErrNotFound), "the reported error surfaces once retries are spent")
	assert.Equal(t, OutcomeError, resp.Outcome)
	assert.EqualValues(t, 2, attempts)

	keys, err := f.ac.Keys(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "errors are never cached")
}

func TestEmptyReport(t *testing.T) {
	f := setup(t, MaxRetries(0))
	var attempts int32
	f.startWorker(t, nil, countingReport(&attempts, Report{}))

	_, err := f.s.Execute(f.ctx, sampleAction("a"))
	assert.True(t, errors.Is(err, status.ErrInternal))
}

func TestSessionChecks(t *testing.T) {
	f := setup(t, AssignTimeout(0))

	_, err := f.s.Assignments("unknown")
	assert.True(t, errors.Is(err, status.ErrSessionExpired))
	assert.True(t, errors.Is(f.s.Heartbeat("unknown"), status.ErrSessionExpired))
	assert.True(t, errors.Is(f.s.Acknowledge("unknown", digest.Empty), status.ErrSessionExpired))

	id, err := f.s.Register(f.ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.s.Heartbeat(id))

	// idle: nothing to acknowledge or report
	other := digest.Of([]byte("other"))
	assert.True(t, errors.Is(f.s.Acknowledge(id, other), status.ErrInternal))
	assert.True(t, errors.Is(f.s.ReportResult(f.ctx, id, other, Report{}), status.ErrInternal))

	st := f.s.Stats()
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 1, st.IdleWorkers)

	require.NoError(t, f.s.Disconnect(id))
	assert.Equal(t, 0, f.s.Stats().Workers)
}

func TestRegisterCancelledContext(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	_, err := f.s.Register(ctx, nil)
	assert.Error(t, err)
}
