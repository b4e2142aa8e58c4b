// Copyright © 2018 One Concern

package scheduler

import (
	"time"

	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/digest"
)

// State of an execution
type State int

// Execution states. Completed is terminal.
const (
	Queued State = iota
	Assigned
	Executing
	Completed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Assigned:
		return "assigned"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// entry tracks one execution. It never leaves the scheduler.
type entry struct {
	digest digest.Digest
	action action.Action
	flight *Flight

	state   State
	worker  SessionID
	retries int

	queuedAt   time.Time // first admission
	enqueuedAt time.Time // last time the entry went back to the queue
	assignedAt time.Time
	startedAt  time.Time

	priority int
	seq      uint64
	index    int // position in the queue, -1 when not queued
}

// entryQueue is a heap ordered by priority (higher first) then admission order
type entryQueue []*entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
