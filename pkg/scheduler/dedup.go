// Copyright © 2018 One Concern

package scheduler

import (
	"sync"

	"github.com/oneconcern/buildfarm/pkg/digest"
)

// Flight is one in-flight execution shared by every caller who asked for the same action
type Flight struct {
	digest  digest.Digest
	done    chan struct{}
	resp    Response
	waiters int
}

// ActionDigest of the flight
func (f *Flight) ActionDigest() digest.Digest {
	return f.digest
}

// Done is closed once the response is available
func (f *Flight) Done() <-chan struct{} {
	return f.done
}

// Response of the flight. Only meaningful once Done is closed.
func (f *Flight) Response() Response {
	<-f.done
	return f.resp
}

// Dedup ensures that at most one execution runs per action digest.
//
// The first caller to claim a digest owns the flight. Later callers join it and
// get the same response when the owner completes it.
type Dedup struct {
	mu      sync.Mutex
	flights map[digest.Digest]*Flight
}

// NewDedup builds an empty coordinator
func NewDedup() *Dedup {
	return &Dedup{
		flights: make(map[digest.Digest]*Flight),
	}
}

// ClaimOrJoin registers the caller as a waiter on the flight for d.
// It reports whether the caller created the flight and thereby owns it.
func (c *Dedup) ClaimOrJoin(d digest.Digest) (*Flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.flights[d]; ok {
		f.waiters++
		return f, false
	}
	f := &Flight{
		digest:  d,
		done:    make(chan struct{}),
		waiters: 1,
	}
	c.flights[d] = f
	return f, true
}

// Detach removes one waiter and returns how many remain
func (c *Dedup) Detach(f *Flight) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.waiters > 0 {
		f.waiters--
	}
	return f.waiters
}

// Waiters currently attached to a flight
func (c *Dedup) Waiters(f *Flight) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f.waiters
}

// Complete broadcasts the response to every waiter. Only the first completion counts.
func (c *Dedup) Complete(f *Flight, resp Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-f.done:
		return false
	default:
	}
	resp.ActionDigest = f.digest
	f.resp = resp
	if c.flights[f.digest] == f {
		delete(c.flights, f.digest)
	}
	close(f.done)
	return true
}

// Len is the number of flights in progress
func (c *Dedup) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
