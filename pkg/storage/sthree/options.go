package sthree

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"go.uber.org/zap"
)

// Option is a functor to pass optional parameters to the s3 store
type Option func(*s3FS)

// Bucket holding the blobs
func Bucket(bucket string) Option {
	return func(fs *s3FS) {
		fs.bucket = bucket
	}
}

// Prefix prepended to every object key
func Prefix(prefix string) Option {
	return func(fs *s3FS) {
		fs.prefix = prefix
	}
}

// AWSConfig overrides the default session configuration (region, endpoint, credentials)
func AWSConfig(cfg *aws.Config) Option {
	return func(fs *s3FS) {
		fs.awsConfig = cfg
	}
}

// Verifier sets the verification applied on Put
func Verifier(v storage.Verifier) Option {
	return func(fs *s3FS) {
		fs.verifier = v
	}
}

// Retries bounds the number of retries of idempotent calls
func Retries(n uint64) Option {
	return func(fs *s3FS) {
		fs.retries = n
	}
}

// Logger specifies a logger for this store
func Logger(logger *zap.Logger) Option {
	return func(fs *s3FS) {
		if logger != nil {
			fs.l = logger
		}
	}
}
