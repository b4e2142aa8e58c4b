// Copyright © 2018 One Concern

package storage

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/oneconcern/buildfarm/pkg/digest"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"
)

// Instrument decorates a store with one tracing span and one debug log per operation
func Instrument(tr opentracing.Tracer, l *zap.Logger, store Store) Store {
	if tr == nil {
		tr = opentracing.NoopTracer{}
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &instrumentedStore{
		tr:    tr,
		store: store,
		l:     l.With(zap.String("store", store.String())),
	}
}

type instrumentedStore struct {
	store Store
	tr    opentracing.Tracer
	l     *zap.Logger
}

func (i *instrumentedStore) opName(name string) string {
	return strings.Join([]string{"storage", i.String(), name}, ".")
}

func (i *instrumentedStore) spanFromContext(ctx context.Context, name string) opentracing.Span {
	parent := opentracing.SpanFromContext(ctx)
	var span opentracing.Span
	if parent != nil {
		span = i.tr.StartSpan(name, opentracing.ChildOf(parent.Context()))
	} else {
		span = i.tr.StartSpan(name)
	}
	return span
}

func (i *instrumentedStore) finish(span opentracing.Span, op string, start time.Time, d digest.Digest, err error) {
	if err != nil {
		ext.Error.Set(span, true)
		span.SetTag("error.message", err.Error())
	}
	span.Finish()
	i.l.Debug("storage "+op,
		zap.Stringer("digest", d),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
}

func (i *instrumentedStore) Has(ctx context.Context, d digest.Digest) (ok bool, err error) {
	span := i.spanFromContext(ctx, i.opName("Has"))
	defer func(t0 time.Time) { i.finish(span, "has", t0, d, err) }(time.Now())

	return i.store.Has(opentracing.ContextWithSpan(ctx, span), d)
}

func (i *instrumentedStore) Get(ctx context.Context, d digest.Digest) (rdr io.ReadCloser, err error) {
	span := i.spanFromContext(ctx, i.opName("Get"))
	defer func(t0 time.Time) { i.finish(span, "get", t0, d, err) }(time.Now())

	return i.store.Get(opentracing.ContextWithSpan(ctx, span), d)
}

func (i *instrumentedStore) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (rdr io.ReadCloser, err error) {
	span := i.spanFromContext(ctx, i.opName("GetRange"))
	span.SetTag("offset", offset)
	span.SetTag("length", length)
	defer func(t0 time.Time) { i.finish(span, "get range", t0, d, err) }(time.Now())

	return i.store.GetRange(opentracing.ContextWithSpan(ctx, span), d, offset, length)
}

func (i *instrumentedStore) Put(ctx context.Context, d digest.Digest, rdr io.Reader) (err error) {
	span := i.spanFromContext(ctx, i.opName("Put"))
	span.SetTag("size", d.Size)
	defer func(t0 time.Time) { i.finish(span, "put", t0, d, err) }(time.Now())

	return i.store.Put(opentracing.ContextWithSpan(ctx, span), d, rdr)
}

func (i *instrumentedStore) Delete(ctx context.Context, d digest.Digest) (err error) {
	span := i.spanFromContext(ctx, i.opName("Delete"))
	defer func(t0 time.Time) { i.finish(span, "delete", t0, d, err) }(time.Now())

	return i.store.Delete(opentracing.ContextWithSpan(ctx, span), d)
}

func (i *instrumentedStore) Keys(ctx context.Context) (keys []digest.Digest, err error) {
	span := i.spanFromContext(ctx, i.opName("Keys"))
	defer func(t0 time.Time) { i.finish(span, "keys", t0, digest.Digest{}, err) }(time.Now())

	return i.store.Keys(opentracing.ContextWithSpan(ctx, span))
}

func (i *instrumentedStore) String() string {
	return i.store.String()
}
