// Copyright © 2018 One Concern

// Package scheduler queues actions, deduplicates concurrent identical work and
// dispatches executions to registered workers.
//
// An action goes through Queued, Assigned, Executing and Completed. Lost workers put
// their execution back in the queue, up to a bounded number of retries. Every state
// transition happens under a single lock, so transitions for a given action are
// linearized.
package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/actioncache"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"github.com/oneconcern/buildfarm/pkg/scheduler/status"
	"go.uber.org/zap"
)

// Outcome tells a failed action apart from a failure to run it
type Outcome int

// Outcomes of a completed execution
const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

func outcomeOf(r *action.Result) Outcome {
	if r.Succeeded() {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// Response delivered to every caller waiting on an action.
//
// A command exiting with a non-zero code is an OutcomeFailure with a Result and no Err.
// OutcomeError means the system could not run the action, and Err says why.
type Response struct {
	ActionDigest digest.Digest
	Result       *action.Result
	Outcome      Outcome
	Err          error
	CacheHit     bool
}

// Scheduler of actions
type Scheduler struct {
	mu       sync.Mutex
	cache    *actioncache.Cache
	dedup    *Dedup
	entries  map[digest.Digest]*entry
	queue    entryQueue
	sessions map[SessionID]*session
	seq      uint64
	closed   bool

	heartbeatTimeout time.Duration
	assignTimeout    time.Duration
	maxRetries       int
	maxQueued        int
	reapInterval     time.Duration

	l       *zap.Logger
	m       *metrics.Collector
	now     func() time.Time
	matcher *platform.Matcher

	stop chan struct{}
	wg   sync.WaitGroup
}

// New scheduler recording results in cache. It starts a background reaper: call Close to stop it.
func New(cache *actioncache.Cache, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:            cache,
		dedup:            NewDedup(),
		entries:          make(map[digest.Digest]*entry),
		sessions:         make(map[SessionID]*session),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		assignTimeout:    DefaultAssignTimeout,
		maxRetries:       DefaultMaxRetries,
		maxQueued:        DefaultMaxQueued,
		reapInterval:     DefaultReapInterval,
		l:                zap.NewNop(),
		now:              time.Now,
		matcher:          platform.NewMatcher(nil),
		stop:             make(chan struct{}),
	}
	for _, apply := range opts {
		apply(s)
	}

	s.wg.Add(1)
	go s.reap()
	return s
}

// Handle on a submitted action
type Handle struct {
	s      *Scheduler
	digest digest.Digest
	flight *Flight
	cached *Response
	once   sync.Once
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// ActionDigest identifies the submitted action
func (h *Handle) ActionDigest() digest.Digest {
	return h.digest
}

// Done is closed once the response is available
func (h *Handle) Done() <-chan struct{} {
	if h.cached != nil {
		return closedChan
	}
	return h.flight.Done()
}

// Wait for the response. If ctx is done first, the caller is detached from the action.
//
// The returned error is the response error, if any.
func (h *Handle) Wait(ctx context.Context) (*Response, error) {
	if h.cached != nil {
		return h.cached, nil
	}
	select {
	case <-h.flight.Done():
		resp := h.flight.Response()
		return &resp, resp.Err
	case <-ctx.Done():
		h.Cancel()
		return nil, status.ErrCancelled.Wrap(ctx.Err())
	}
}

// Cancel withdraws the caller's interest in the action.
//
// When the last interested caller cancels while the action is still queued, the
// execution is withdrawn and completes with ErrCancelled. Once a worker holds the
// action, it runs to completion and its result is cached.
func (h *Handle) Cancel() {
	if h.flight == nil {
		return
	}
	h.once.Do(func() {
		h.s.detach(h.flight)
	})
}

// Submit an action. The handle carries an immediate response on an action cache hit.
func (s *Scheduler) Submit(ctx context.Context, a action.Action) (*Handle, error) {
	if err := a.Validate(); err != nil {
		s.m.RecordSubmission(metrics.AdmitRejected)
		return nil, err
	}
	a = a.Canonical()
	d, _, err := a.Digest()
	if err != nil {
		s.m.RecordSubmission(metrics.AdmitRejected)
		return nil, status.ErrInvalidAction.Wrap(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, status.ErrClosed
	}
	f, owner := s.dedup.ClaimOrJoin(d)
	s.mu.Unlock()

	if !owner {
		s.m.RecordSubmission(metrics.AdmitJoined)
		s.l.Debug("joined in-flight action", zap.Stringer("action", d))
		return &Handle{s: s, digest: d, flight: f}, nil
	}

	// Only the owner looks the action up. A previous flight for d commits its result
	// before it is completed, so a caller claiming after it sees the cached result.
	if !a.DoNotCache && s.cache != nil {
		result, err := s.cache.Get(ctx, d)
		switch {
		case err == nil:
			resp := Response{ActionDigest: d, Result: result, Outcome: outcomeOf(result), CacheHit: true}
			s.dedup.Complete(f, resp)
			s.m.RecordSubmission(metrics.AdmitCacheHit)
			s.l.Debug("action cache hit", zap.Stringer("action", d))
			return &Handle{s: s, digest: d, cached: &resp}, nil
		case errors.Is(err, actioncache.ErrNotFound), errors.Is(err, actioncache.ErrCorruptEntry):
		default:
			s.dedup.Complete(f, Response{Outcome: OutcomeError, Err: err})
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dedup.Complete(f, Response{Outcome: OutcomeError, Err: status.ErrClosed})
		return nil, status.ErrClosed
	}
	h := &Handle{s: s, digest: d, flight: f}

	if len(s.entries) >= s.maxQueued {
		s.dedup.Complete(f, Response{Outcome: OutcomeError, Err: status.ErrQueueFull})
		s.m.RecordSubmission(metrics.AdmitRejected)
		s.l.Warn("rejecting action", zap.Stringer("action", d), zap.Int("outstanding", len(s.entries)))
		return nil, status.ErrQueueFull
	}

	now := s.now()
	e := &entry{
		digest:     d,
		action:     a,
		flight:     f,
		state:      Queued,
		queuedAt:   now,
		enqueuedAt: now,
		priority:   a.Priority,
		seq:        s.seq,
		index:      -1,
	}
	s.seq++
	s.entries[d] = e
	heap.Push(&s.queue, e)
	s.m.RecordSubmission(metrics.AdmitQueued)
	s.l.Debug("action queued", zap.Stringer("action", d), zap.Int("priority", e.priority))

	s.dispatchLocked()
	s.updateStatsLocked()
	return h, nil
}

// Execute submits an action and waits for its response
func (s *Scheduler) Execute(ctx context.Context, a action.Action) (*Response, error) {
	h, err := s.Submit(ctx, a)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

func (s *Scheduler) detach(f *Flight) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-f.Done():
		return
	default:
	}
	if s.dedup.Detach(f) > 0 {
		return
	}
	e, ok := s.entries[f.digest]
	if !ok || e.flight != f || e.state != Queued {
		return
	}
	s.l.Info("withdrawing queued action: no caller is waiting", zap.Stringer("action", e.digest))
	s.completeLocked(e, Response{
		Outcome: OutcomeError,
		Err:     status.ErrCancelled.WrapMessage("no caller is waiting for action %v", e.digest),
	})
	s.updateStatsLocked()
}

// dispatchLocked assigns queued entries, best priority first, to idle matching workers
func (s *Scheduler) dispatchLocked() {
	idle := s.idleSessionsLocked()
	if len(idle) == 0 || s.queue.Len() == 0 {
		return
	}

	var skipped []*entry
	for s.queue.Len() > 0 && len(idle) > 0 {
		e := heap.Pop(&s.queue).(*entry)
		i := s.matchLocked(idle, e)
		if i < 0 {
			skipped = append(skipped, e)
			continue
		}
		sess := idle[i]
		idle = append(idle[:i], idle[i+1:]...)
		if !s.assignLocked(e, sess) {
			skipped = append(skipped, e)
		}
	}
	for _, e := range skipped {
		heap.Push(&s.queue, e)
	}
}

func (s *Scheduler) idleSessionsLocked() []*session {
	idle := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.current == nil {
			idle = append(idle, sess)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].idleSince.Equal(idle[j].idleSince) {
			return idle[i].id < idle[j].id
		}
		return idle[i].idleSince.Before(idle[j].idleSince)
	})
	return idle
}

func (s *Scheduler) matchLocked(idle []*session, e *entry) int {
	for i, sess := range idle {
		if s.matcher.Satisfies(sess.props, e.action.Platform) {
			return i
		}
	}
	return -1
}

func (s *Scheduler) assignLocked(e *entry, sess *session) bool {
	a := Assignment{
		ActionDigest: e.digest,
		Action:       e.action,
		Attempt:      e.retries + 1,
	}
	select {
	case sess.assignments <- a:
	default:
		// the worker did not drain its previous assignment
		s.l.Warn("worker assignment channel is full", zap.String("worker", string(sess.id)))
		return false
	}

	now := s.now()
	e.state = Assigned
	e.worker = sess.id
	e.assignedAt = now
	sess.current = e
	s.m.RecordAssigned(now.Sub(e.enqueuedAt))
	s.l.Debug("action assigned",
		zap.Stringer("action", e.digest),
		zap.String("worker", string(sess.id)),
		zap.Int("attempt", a.Attempt),
	)
	return true
}

// requeueLocked puts an execution back in the queue, or completes it with finalErr
// once the retry budget is spent
func (s *Scheduler) requeueLocked(e *entry, finalErr error) {
	e.retries++
	e.worker = ""
	if e.retries > s.maxRetries {
		s.l.Warn("giving up on action",
			zap.Stringer("action", e.digest),
			zap.Int("attempts", e.retries),
			zap.Error(finalErr),
		)
		s.completeLocked(e, Response{Outcome: OutcomeError, Err: finalErr})
		return
	}
	e.state = Queued
	e.enqueuedAt = s.now()
	heap.Push(&s.queue, e)
	s.m.RecordRequeue()
	s.l.Info("action requeued", zap.Stringer("action", e.digest), zap.Int("retries", e.retries), zap.Error(finalErr))
}

// completeLocked makes an entry terminal and broadcasts the response
func (s *Scheduler) completeLocked(e *entry, resp Response) {
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	if e.worker != "" {
		if sess, ok := s.sessions[e.worker]; ok && sess.current == e {
			s.releaseLocked(sess)
		}
	}
	e.state = Completed
	if s.entries[e.digest] == e {
		delete(s.entries, e.digest)
	}
	s.finish(e, resp)
}

// finish broadcasts a response. It does not need the scheduler lock.
func (s *Scheduler) finish(e *entry, resp Response) {
	if !s.dedup.Complete(e.flight, resp) {
		return
	}
	s.m.RecordCompleted(resp.Outcome.String(), s.now().Sub(e.queuedAt))
	s.l.Debug("action completed",
		zap.Stringer("action", e.digest),
		zap.Stringer("outcome", resp.Outcome),
		zap.Error(resp.Err),
	)
}

func (s *Scheduler) updateStatsLocked() {
	queued := s.queue.Len()
	s.m.UpdateQueueStats(queued, len(s.entries)-queued, len(s.sessions))
}

func (s *Scheduler) reap() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
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

// Reap tears down workers which missed their heartbeat and fails actions which waited
// too long for a worker. It runs periodically in the background.
func (s *Scheduler) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	now := s.now()
	for _, sess := range s.sessions {
		if now.Sub(sess.lastHeartbeat) > s.heartbeatTimeout {
			s.l.Warn("worker missed its heartbeat",
				zap.String("worker", string(sess.id)),
				zap.Time("last_heartbeat", sess.lastHeartbeat),
			)
			s.loseLocked(sess, "heartbeat timeout")
		}
	}

	if s.assignTimeout > 0 {
		var expired []*entry
		for _, e := range s.queue {
			if now.Sub(e.enqueuedAt) > s.assignTimeout {
				expired = append(expired, e)
			}
		}
		for _, e := range expired {
			s.completeLocked(e, Response{
				Outcome: OutcomeError,
				Err: status.ErrWorkerUnavailable.WrapMessage("no worker matching %v picked action %v within %v",
					e.action.Platform, e.digest, s.assignTimeout),
			})
		}
	}

	s.dispatchLocked()
	s.updateStatsLocked()
}

// Stats is a snapshot of the scheduler state
type Stats struct {
	Queued      int `json:"queued"`
	Assigned    int `json:"assigned"`
	Executing   int `json:"executing"`
	Workers     int `json:"workers"`
	IdleWorkers int `json:"idleWorkers"`
	Flights     int `json:"flights"`
}

// Stats returns a snapshot of the scheduler state
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, e := range s.entries {
		switch e.state {
		case Queued:
			st.Queued++
		case Assigned:
			st.Assigned++
		case Executing:
			st.Executing++
		}
	}
	st.Workers = len(s.sessions)
	for _, sess := range s.sessions {
		if sess.current == nil {
			st.IdleWorkers++
		}
	}
	st.Flights = s.dedup.Len()
	return st
}

// Close stops the reaper, fails outstanding actions with ErrClosed and ends all worker sessions
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)

	for _, e := range s.entries {
		s.completeLocked(e, Response{Outcome: OutcomeError, Err: status.ErrClosed})
	}
	for _, sess := range s.sessions {
		delete(s.sessions, sess.id)
		close(sess.assignments)
	}
	s.updateStatsLocked()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
