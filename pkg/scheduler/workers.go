// Copyright © 2018 One Concern

package scheduler

import (
	"context"
	"time"

	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"github.com/oneconcern/buildfarm/pkg/scheduler/status"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// SessionID identifies a registered worker
type SessionID string

// Assignment handed to a worker
type Assignment struct {
	ActionDigest digest.Digest
	Action       action.Action
	Attempt      int
}

// Report sent by a worker once it is done with an assignment.
//
// Err reports a failure to run the action (inputs unavailable, executor could not start).
// Such failures are retried on another worker. A command exiting with a non-zero code is a
// Result, not an Err.
type Report struct {
	Result *action.Result
	Err    error
}

type session struct {
	id            SessionID
	props         platform.Properties
	lastHeartbeat time.Time
	idleSince     time.Time
	current       *entry
	assignments   chan Assignment
}

// Register a worker with its platform properties
func (s *Scheduler) Register(ctx context.Context, props platform.Properties) (SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", status.ErrClosed
	}

	now := s.now()
	sess := &session{
		id:            SessionID(ksuid.New().String()),
		props:         props.Clone(),
		lastHeartbeat: now,
		idleSince:     now,
		assignments:   make(chan Assignment, 1),
	}
	s.sessions[sess.id] = sess
	s.l.Info("worker registered", zap.String("worker", string(sess.id)), zap.Stringer("platform", props))

	s.dispatchLocked()
	s.updateStatsLocked()
	return sess.id, nil
}

// Assignments delivers the work for a session. The channel is closed when the session ends.
func (s *Scheduler) Assignments(id SessionID) (<-chan Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, status.ErrSessionExpired.WrapMessage("unknown worker %s", id)
	}
	return sess.assignments, nil
}

// Heartbeat keeps a session alive
func (s *Scheduler) Heartbeat(id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return status.ErrSessionExpired.WrapMessage("unknown worker %s", id)
	}
	sess.lastHeartbeat = s.now()
	return nil
}

// Acknowledge receipt of an assignment: the execution starts
func (s *Scheduler) Acknowledge(id SessionID, d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, e, err := s.assignedLocked(id, d)
	if err != nil {
		return err
	}
	now := s.now()
	sess.lastHeartbeat = now
	if e.state == Executing {
		return nil
	}
	e.state = Executing
	e.startedAt = now
	s.l.Debug("action executing", zap.Stringer("action", d), zap.String("worker", string(id)))
	return nil
}

// ReportResult completes the assignment of a session.
//
// A result is recorded in the action cache, unless the action opted out, then delivered to
// every waiter. An error puts the action back in the queue.
func (s *Scheduler) ReportResult(ctx context.Context, id SessionID, d digest.Digest, report Report) error {
	s.mu.Lock()
	sess, e, err := s.assignedLocked(id, d)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.now()
	sess.lastHeartbeat = now

	if report.Err != nil || report.Result == nil {
		cause := report.Err
		if cause == nil {
			cause = status.ErrInternal.WrapMessage("worker %s reported no result for action %v", id, d)
		}
		s.releaseLocked(sess)
		s.requeueLocked(e, cause)
		s.dispatchLocked()
		s.updateStatsLocked()
		s.mu.Unlock()
		return nil
	}

	result := *report.Result
	result.Metadata.Worker = string(id)
	result.Metadata.QueuedAt = e.queuedAt
	result.Metadata.Attempts = e.retries + 1
	if result.Metadata.WorkerStart.IsZero() {
		result.Metadata.WorkerStart = e.startedAt
	}
	if result.Metadata.WorkerCompleted.IsZero() {
		result.Metadata.WorkerCompleted = now
	}

	// the entry leaves the table now: new callers join the flight until it is completed
	e.state = Completed
	delete(s.entries, d)
	s.releaseLocked(sess)
	s.dispatchLocked()
	s.updateStatsLocked()
	s.mu.Unlock()

	if !e.action.DoNotCache && s.cache != nil {
		err = s.cache.Put(ctx, d, &result)
	}
	s.finish(e, Response{Result: &result, Outcome: outcomeOf(&result)})
	return err
}

// Disconnect ends a session. Its current execution, if any, goes back to the queue.
func (s *Scheduler) Disconnect(id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return status.ErrSessionExpired.WrapMessage("unknown worker %s", id)
	}
	s.loseLocked(sess, "disconnected")
	s.dispatchLocked()
	s.updateStatsLocked()
	return nil
}

func (s *Scheduler) assignedLocked(id SessionID, d digest.Digest) (*session, *entry, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil, status.ErrSessionExpired.WrapMessage("unknown worker %s", id)
	}
	if sess.current == nil || sess.current.digest != d {
		return nil, nil, status.ErrInternal.WrapMessage("worker %s is not assigned action %v", id, d)
	}
	return sess, sess.current, nil
}

func (s *Scheduler) releaseLocked(sess *session) {
	sess.current = nil
	sess.idleSince = s.now()
}

// loseLocked tears down a session and requeues its execution
func (s *Scheduler) loseLocked(sess *session, reason string) {
	delete(s.sessions, sess.id)
	close(sess.assignments)
	s.l.Info("worker session ended", zap.String("worker", string(sess.id)), zap.String("reason", reason))

	e := sess.current
	if e == nil {
		return
	}
	sess.current = nil
	s.requeueLocked(e, status.ErrWorkerUnavailable.WrapMessage("worker %s running action %v was lost: %s", sess.id, e.digest, reason))
}
