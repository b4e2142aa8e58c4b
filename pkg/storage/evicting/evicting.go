// Copyright © 2018 One Concern

// Package evicting decorates a store with a capacity bound enforced in
// least-recently-used order.
//
// Evicted blobs simply disappear: callers observe absence, never an error.
// A blob with open readers is pinned and never evicted mid-read; deleting it is
// deferred until the last reader closes.
package evicting

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"go.uber.org/zap"
)

// Policy bounds the content of the store. Zero values disable a bound.
type Policy struct {
	// MaxBytes is the capacity in bytes
	MaxBytes int64 `json:"maxBytes" yaml:"maxBytes" mapstructure:"maxBytes"`

	// EvictBytes is extra room freed below MaxBytes whenever an eviction is needed
	EvictBytes int64 `json:"evictBytes" yaml:"evictBytes" mapstructure:"evictBytes"`

	// MaxCount is the capacity in number of blobs
	MaxCount int `json:"maxCount" yaml:"maxCount" mapstructure:"maxCount"`

	// MaxAge evicts blobs not accessed for that long
	MaxAge time.Duration `json:"maxAge" yaml:"maxAge" mapstructure:"maxAge"`
}

// Option for the evicting store
type Option func(*evicting)

// Logger for this store
func Logger(l *zap.Logger) Option {
	return func(e *evicting) {
		if l != nil {
			e.l = l
		}
	}
}

// OnEvict registers a callback invoked, under the store lock, for every evicted blob
func OnEvict(fn func(d digest.Digest)) Option {
	return func(e *evicting) {
		e.onEvict = fn
	}
}

// Clock overrides time.Now
func Clock(now func() time.Time) Option {
	return func(e *evicting) {
		if now != nil {
			e.now = now
		}
	}
}

type entry struct {
	size       int64
	lastAccess time.Time
	pins       int
}

type evicting struct {
	inner  storage.Store
	policy Policy

	mx       sync.Mutex
	lru      *simplelru.LRU // digest.Digest -> *entry, oldest first
	draining map[digest.Digest]*entry
	pending  map[digest.Digest]int
	used     int64

	now     func() time.Time
	onEvict func(digest.Digest)
	l       *zap.Logger
}

// New evicting store over inner. The index is rebuilt from the blobs already
// present in inner, then trimmed to the policy.
func New(ctx context.Context, inner storage.Store, policy Policy, opts ...Option) (storage.Store, error) {
	lru, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	e := &evicting{
		inner:    inner,
		policy:   policy,
		lru:      lru,
		draining: make(map[digest.Digest]*entry),
		pending:  make(map[digest.Digest]int),
		now:      time.Now,
		l:        zap.NewNop(),
	}
	for _, apply := range opts {
		apply(e)
	}

	keys, err := inner.Keys(ctx)
	if err != nil {
		return nil, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	now := e.now()
	for _, d := range keys {
		e.lru.Add(d, &entry{size: d.Size, lastAccess: now})
		e.used += d.Size
	}
	e.evictLocked(ctx, 0, 0)
	return e, nil
}

func (e *evicting) String() string {
	return "evicting(" + e.inner.String() + ")"
}

func (e *evicting) count() int {
	n := e.lru.Len() + len(e.draining)
	for d := range e.pending {
		if !e.lru.Contains(d) {
			n++
		}
	}
	return n
}

func (e *evicting) fits(needBytes int64, needCount int, watermark int64) bool {
	if e.policy.MaxBytes > 0 && e.used+needBytes > e.policy.MaxBytes-watermark {
		return false
	}
	if e.policy.MaxCount > 0 && e.count()+needCount > e.policy.MaxCount {
		return false
	}
	return true
}

func (e *evicting) expired(ent *entry, now time.Time) bool {
	return e.policy.MaxAge > 0 && now.Sub(ent.lastAccess) > e.policy.MaxAge
}

// evictLocked drops expired blobs, then unpinned blobs oldest-access-first until
// needBytes and needCount fit. It reports whether they fit.
func (e *evicting) evictLocked(ctx context.Context, needBytes int64, needCount int) bool {
	if e.policy.MaxAge == 0 && e.fits(needBytes, needCount, 0) {
		return true
	}
	now := e.now()
	watermark := int64(0)
	if !e.fits(needBytes, needCount, 0) {
		watermark = e.policy.EvictBytes
	}

	for _, k := range e.lru.Keys() {
		d := k.(digest.Digest)
		v, _ := e.lru.Peek(d)
		ent := v.(*entry)
		if ent.pins > 0 || e.pending[d] > 0 {
			continue
		}
		if !e.expired(ent, now) && e.fits(needBytes, needCount, watermark) {
			// access order: no newer entry is expired either
			break
		}
		e.removeLocked(ctx, d, ent)
	}
	return e.fits(needBytes, needCount, 0)
}

func (e *evicting) removeLocked(ctx context.Context, d digest.Digest, ent *entry) {
	e.lru.Remove(d)
	e.used -= ent.size
	if err := e.inner.Delete(ctx, d); err != nil {
		e.l.Warn("failed to delete evicted blob", zap.Stringer("digest", d), zap.Error(err))
	}
	if e.onEvict != nil {
		e.onEvict(d)
	}
	e.l.Debug("evicted blob", zap.Stringer("digest", d), zap.Int64("used", e.used))
}

// lookupLocked returns the live entry for d, touching it when touch is set
func (e *evicting) lookupLocked(ctx context.Context, d digest.Digest, touch bool) (*entry, bool) {
	var (
		v  interface{}
		ok bool
	)
	if touch {
		v, ok = e.lru.Get(d)
	} else {
		v, ok = e.lru.Peek(d)
	}
	if !ok {
		return nil, false
	}
	ent := v.(*entry)
	now := e.now()
	if ent.pins == 0 && e.expired(ent, now) {
		e.removeLocked(ctx, d, ent)
		return nil, false
	}
	if touch {
		ent.lastAccess = now
	}
	return ent, true
}

func (e *evicting) Has(ctx context.Context, d digest.Digest) (bool, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	_, ok := e.lookupLocked(ctx, d, false)
	return ok, nil
}

type pinnedReader struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (p *pinnedReader) Close() error {
	err := p.ReadCloser.Close()
	p.once.Do(p.release)
	return err
}

func (e *evicting) pin(ctx context.Context, d digest.Digest) (*entry, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	ent, ok := e.lookupLocked(ctx, d, true)
	if !ok {
		return nil, status.ErrNotFound.WrapMessage("blob %v", d)
	}
	ent.pins++
	return ent, nil
}

func (e *evicting) unpin(ctx context.Context, d digest.Digest, ent *entry) {
	e.mx.Lock()
	defer e.mx.Unlock()
	ent.pins--
	if ent.pins > 0 {
		return
	}
	if drained, ok := e.draining[d]; ok && drained == ent {
		delete(e.draining, d)
		e.used -= ent.size
		if err := e.inner.Delete(ctx, d); err != nil {
			e.l.Warn("failed to delete drained blob", zap.Stringer("digest", d), zap.Error(err))
		}
	}
}

func (e *evicting) read(ctx context.Context, d digest.Digest, open func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	ent, err := e.pin(ctx, d)
	if err != nil {
		return nil, err
	}
	release := func() { e.unpin(context.Background(), d, ent) }
	rc, err := open()
	if err != nil {
		release()
		return nil, err
	}
	return &pinnedReader{ReadCloser: rc, release: release}, nil
}

func (e *evicting) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	return e.read(ctx, d, func() (io.ReadCloser, error) {
		return e.inner.Get(ctx, d)
	})
}

func (e *evicting) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	return e.read(ctx, d, func() (io.ReadCloser, error) {
		return e.inner.GetRange(ctx, d, offset, length)
	})
}

func (e *evicting) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	e.mx.Lock()
	if _, ok := e.lookupLocked(ctx, d, true); ok {
		e.mx.Unlock()
		return nil
	}
	if ent, ok := e.draining[d]; ok {
		// deleted while being read: still present in inner
		delete(e.draining, d)
		ent.lastAccess = e.now()
		e.lru.Add(d, ent)
		e.mx.Unlock()
		return nil
	}
	if e.pending[d] == 0 {
		if (e.policy.MaxBytes > 0 && d.Size > e.policy.MaxBytes) || !e.evictLocked(ctx, d.Size, 1) {
			e.mx.Unlock()
			return status.ErrResourceExhausted.WrapMessage("no room for %v in %s", d, e.String())
		}
		// one reservation is shared by concurrent writers of the same digest
		e.used += d.Size
	}
	e.pending[d]++
	e.mx.Unlock()

	err := e.inner.Put(ctx, d, rdr)

	e.mx.Lock()
	defer e.mx.Unlock()
	e.pending[d]--
	if err == nil && !e.lru.Contains(d) {
		e.lru.Add(d, &entry{size: d.Size, lastAccess: e.now()})
	}
	if e.pending[d] == 0 {
		delete(e.pending, d)
		if !e.lru.Contains(d) {
			e.used -= d.Size
		}
	}
	return err
}

func (e *evicting) Delete(ctx context.Context, d digest.Digest) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	v, ok := e.lru.Peek(d)
	if !ok {
		return e.inner.Delete(ctx, d)
	}
	ent := v.(*entry)
	if ent.pins > 0 {
		e.lru.Remove(d)
		e.draining[d] = ent
		return nil
	}
	e.lru.Remove(d)
	if e.pending[d] == 0 {
		e.used -= ent.size
	}
	// otherwise the size is held again as the reservation of the pending writers
	return e.inner.Delete(ctx, d)
}

func (e *evicting) Keys(context.Context) ([]digest.Digest, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	keys := make([]digest.Digest, 0, e.lru.Len())
	for _, k := range e.lru.Keys() {
		keys = append(keys, k.(digest.Digest))
	}
	return keys, nil
}

// Usage reports tracked bytes and blob count of an evicting store
func Usage(s storage.Store) (int64, int, bool) {
	e, ok := s.(*evicting)
	if !ok {
		return 0, 0, false
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.used, e.count(), true
}
