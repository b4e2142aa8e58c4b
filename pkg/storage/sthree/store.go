// Copyright © 2018 One Concern

// Package sthree implements a content-addressed store over an S3 bucket.
//
// Objects are only created once an upload completes, so a failed or rejected
// stream never becomes visible.
package sthree

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"go.uber.org/zap"
)

const defaultRetries = 3

// New S3 store. The Bucket option is mandatory.
func New(option Option, options ...Option) (storage.Store, error) {
	fs := defaultS3()
	option(fs)
	for _, apply := range options {
		apply(fs)
	}
	if fs.bucket == "" {
		return nil, status.ErrInvalidResource.WrapMessage("s3 store requires a bucket")
	}

	sess, err := session.NewSession(fs.awsConfig)
	if err != nil {
		return nil, status.ErrStorageAPI.Wrap(err)
	}
	client := s3.New(sess)
	fs.s3 = client
	fs.uploader = s3manager.NewUploaderWithClient(client)
	return fs, nil
}

func defaultS3() *s3FS {
	return &s3FS{
		awsConfig: aws.NewConfig(),
		verifier:  storage.DefaultVerifier,
		retries:   defaultRetries,
		l:         zap.NewNop(),
	}
}

type s3FS struct {
	bucket    string
	prefix    string
	awsConfig *aws.Config
	s3        s3iface.S3API
	uploader  *s3manager.Uploader
	verifier  storage.Verifier
	retries   uint64
	l         *zap.Logger
}

func (s *s3FS) key(d digest.Digest) string {
	return s.prefix + d.String()
}

// retry idempotent calls on transient API errors
func (s *s3FS) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := toSentinelErrors(op())
		if err == nil {
			return nil
		}
		if !errors.Is(err, status.ErrStorageAPI) {
			return backoff.Permanent(err)
		}
		s.l.Debug("retrying s3 call", zap.Error(err))
		return err
	}, policy)
}

func (s *s3FS) Has(ctx context.Context, d digest.Digest) (bool, error) {
	err := s.retry(ctx, func() error {
		_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(d)),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *s3FS) getObject(ctx context.Context, d digest.Digest, byteRange *string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.retry(ctx, func() error {
		obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(d)),
			Range:  byteRange,
		})
		if err != nil {
			return err
		}
		body = obj.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *s3FS) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	return s.getObject(ctx, d, nil)
}

func (s *s3FS) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	length, err := storage.CheckRange(d, offset, length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		if _, err = s.Has(ctx, d); err != nil {
			return nil, err
		}
		return storage.NopCloser(bytes.NewReader(nil)), nil
	}
	return s.getObject(ctx, d, aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)))
}

func (s *s3FS) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	has, err := s.Has(ctx, d)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	start := time.Now()
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
		Body:   s.verifier.Wrap(d, rdr),
	})
	if err != nil {
		// the uploader wraps body read errors: surface a mismatch as such
		if errors.Is(err, status.ErrDigestMismatch) || strings.Contains(err.Error(), status.ErrDigestMismatch.Error()) {
			return status.ErrDigestMismatch.Wrap(err)
		}
		return toSentinelErrors(err)
	}
	s.l.Debug("s3 upload", zap.Stringer("digest", d), zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *s3FS) Delete(ctx context.Context, d digest.Digest) error {
	err := s.retry(ctx, func() error {
		_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(d)),
		})
		return err
	})
	if errors.Is(err, status.ErrNotFound) {
		return nil
	}
	return err
}

func (s *s3FS) Keys(ctx context.Context) ([]digest.Digest, error) {
	var keys []digest.Digest
	eachPage := func(page *s3.ListObjectsV2Output, more bool) bool {
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.StringValue(obj.Key), s.prefix)
			d, err := digest.Parse(key)
			if err != nil {
				continue
			}
			keys = append(keys, d)
		}
		return more
	}
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}

	if err := s.s3.ListObjectsV2PagesWithContext(ctx, params, eachPage); err != nil {
		return nil, toSentinelErrors(err)
	}
	return keys, nil
}

func (s *s3FS) String() string {
	return "s3@" + s.bucket + "/" + s.prefix
}
