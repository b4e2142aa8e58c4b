// Copyright © 2018 One Concern

// Package gcs implements a content-addressed store over a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"io"
	"strings"

	gcsStorage "cloud.google.com/go/storage"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type gcs struct {
	client         *gcsStorage.Client
	readOnlyClient *gcsStorage.Client
	bucket         string
	prefix         string
	verifier       storage.Verifier
	clientOpts     []option.ClientOption
	l              *zap.Logger
}

// New GCS store on bucket
func New(ctx context.Context, bucket string, opts ...Option) (storage.Store, error) {
	if bucket == "" {
		return nil, status.ErrInvalidResource.WrapMessage("gcs store requires a bucket")
	}
	googleStore := &gcs{
		bucket:   bucket,
		verifier: storage.DefaultVerifier,
		l:        zap.NewNop(),
	}
	for _, apply := range opts {
		apply(googleStore)
	}

	var err error
	googleStore.readOnlyClient, err = gcsStorage.NewClient(ctx,
		append([]option.ClientOption{option.WithScopes(gcsStorage.ScopeReadOnly)}, googleStore.clientOpts...)...)
	if err != nil {
		return nil, toSentinelErrors(err)
	}
	googleStore.client, err = gcsStorage.NewClient(ctx,
		append([]option.ClientOption{option.WithScopes(gcsStorage.ScopeFullControl)}, googleStore.clientOpts...)...)
	if err != nil {
		return nil, toSentinelErrors(err)
	}
	return googleStore, nil
}

func (g *gcs) String() string {
	return "gcs://" + g.bucket + "/" + g.prefix
}

func (g *gcs) objectName(d digest.Digest) string {
	return g.prefix + d.String()
}

func (g *gcs) Has(ctx context.Context, d digest.Digest) (bool, error) {
	_, err := g.readOnlyClient.Bucket(g.bucket).Object(g.objectName(d)).Attrs(ctx)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return false, nil
		}
		return false, toSentinelErrors(err)
	}
	return true, nil
}

func (g *gcs) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	objectReader, err := g.readOnlyClient.Bucket(g.bucket).Object(g.objectName(d)).NewReader(ctx)
	if err != nil {
		return nil, toSentinelErrors(err)
	}
	return objectReader, nil
}

func (g *gcs) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	length, err := storage.CheckRange(d, offset, length)
	if err != nil {
		return nil, err
	}
	objectReader, err := g.readOnlyClient.Bucket(g.bucket).Object(g.objectName(d)).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, toSentinelErrors(err)
	}
	return objectReader, nil
}

func (g *gcs) Put(ctx context.Context, d digest.Digest, reader io.Reader) error {
	// cancelling the writer context aborts the upload: nothing is created
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Put if not present
	writer := g.client.Bucket(g.bucket).Object(g.objectName(d)).If(gcsStorage.Conditions{DoesNotExist: true}).NewWriter(wctx)
	if _, err := io.Copy(writer, g.verifier.Wrap(d, reader)); err != nil {
		cancel()
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			// already committed by someone else
			return nil
		}
		return toSentinelErrors(err)
	}
	return nil
}

func (g *gcs) Delete(ctx context.Context, d digest.Digest) error {
	err := g.client.Bucket(g.bucket).Object(g.objectName(d)).Delete(ctx)
	if err == gcsStorage.ErrObjectNotExist {
		return nil
	}
	return toSentinelErrors(err)
}

func (g *gcs) Keys(ctx context.Context) ([]digest.Digest, error) {
	var keys []digest.Digest
	objectsIterator := g.readOnlyClient.Bucket(g.bucket).Objects(ctx, &gcsStorage.Query{Prefix: g.prefix})
	for {
		attrs, err := objectsIterator.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, toSentinelErrors(err)
		}
		d, err := digest.Parse(strings.TrimPrefix(attrs.Name, g.prefix))
		if err != nil {
			g.l.Debug("skipping foreign object", zap.String("object", attrs.Name))
			continue
		}
		keys = append(keys, d)
	}
	return keys, nil
}
