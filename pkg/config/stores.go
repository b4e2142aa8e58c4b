// Copyright © 2018 One Concern

package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/compress"
	"github.com/oneconcern/buildfarm/pkg/storage/evicting"
	"github.com/oneconcern/buildfarm/pkg/storage/existence"
	"github.com/oneconcern/buildfarm/pkg/storage/fastslow"
	"github.com/oneconcern/buildfarm/pkg/storage/gcs"
	"github.com/oneconcern/buildfarm/pkg/storage/kv"
	"github.com/oneconcern/buildfarm/pkg/storage/localfs"
	"github.com/oneconcern/buildfarm/pkg/storage/memory"
	"github.com/oneconcern/buildfarm/pkg/storage/sizepartition"
	"github.com/oneconcern/buildfarm/pkg/storage/sthree"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Store kinds
const (
	KindMemory        = "memory"
	KindLocalFS       = "localfs"
	KindBadger        = "badger"
	KindPebble        = "pebble"
	KindS3            = "s3"
	KindGCS           = "gcs"
	KindSizePartition = "sizepartition"
	KindFastSlow      = "fastslow"
)

// StoreConfig describes a store and the decorators stacked over it.
//
// From the inside out: backend, compression, existence cache, eviction.
type StoreConfig struct {
	Kind string `mapstructure:"kind" json:"kind,omitempty" yaml:"kind,omitempty"`

	// localfs, badger, pebble
	Path     string `mapstructure:"path" json:"path,omitempty" yaml:"path,omitempty"`
	InMemory bool   `mapstructure:"inMemory" json:"inMemory,omitempty" yaml:"inMemory,omitempty"`

	// s3, gcs
	Bucket      string `mapstructure:"bucket" json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix      string `mapstructure:"prefix" json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region      string `mapstructure:"region" json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Retries     uint64 `mapstructure:"retries" json:"retries,omitempty" yaml:"retries,omitempty"`
	Credentials string `mapstructure:"credentials" json:"credentials,omitempty" yaml:"credentials,omitempty"`

	// sizepartition
	Threshold string       `mapstructure:"threshold" json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Lower     *StoreConfig `mapstructure:"lower" json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper     *StoreConfig `mapstructure:"upper" json:"upper,omitempty" yaml:"upper,omitempty"`

	// fastslow
	Fast            *StoreConfig `mapstructure:"fast" json:"fast,omitempty" yaml:"fast,omitempty"`
	Slow            *StoreConfig `mapstructure:"slow" json:"slow,omitempty" yaml:"slow,omitempty"`
	MaxPopulateSize string       `mapstructure:"maxPopulateSize" json:"maxPopulateSize,omitempty" yaml:"maxPopulateSize,omitempty"`

	Compress       bool            `mapstructure:"compress" json:"compress,omitempty" yaml:"compress,omitempty"`
	ExistenceCache int             `mapstructure:"existenceCache" json:"existenceCache,omitempty" yaml:"existenceCache,omitempty"`
	Eviction       *EvictionConfig `mapstructure:"eviction" json:"eviction,omitempty" yaml:"eviction,omitempty"`
}

// EvictionConfig bounds a store. Empty values disable a bound.
type EvictionConfig struct {
	MaxSize   string `mapstructure:"maxSize" json:"maxSize,omitempty" yaml:"maxSize,omitempty"`
	EvictSize string `mapstructure:"evictSize" json:"evictSize,omitempty" yaml:"evictSize,omitempty"`
	MaxCount  int    `mapstructure:"maxCount" json:"maxCount,omitempty" yaml:"maxCount,omitempty"`
	MaxAge    string `mapstructure:"maxAge" json:"maxAge,omitempty" yaml:"maxAge,omitempty"`
}

// Policy for the evicting store
func (e EvictionConfig) Policy(name string) (evicting.Policy, error) {
	var (
		p   evicting.Policy
		err error
	)
	if p.MaxBytes, err = parseSize(name+".eviction.maxSize", e.MaxSize); err != nil {
		return p, err
	}
	if p.EvictBytes, err = parseSize(name+".eviction.evictSize", e.EvictSize); err != nil {
		return p, err
	}
	if p.MaxAge, err = parseDuration(name+".eviction.maxAge", e.MaxAge); err != nil {
		return p, err
	}
	if e.MaxCount < 0 {
		return p, ErrInvalidConfig.WrapMessage("%s.eviction.maxCount must not be negative", name)
	}
	p.MaxCount = e.MaxCount
	return p, nil
}

// countOnlyEviction rejects byte bounds in a store tree. Action cache entries are keyed by
// the action digest, whose size says nothing about the stored result.
func (s StoreConfig) countOnlyEviction(name string) error {
	if s.Eviction != nil && (s.Eviction.MaxSize != "" || s.Eviction.EvictSize != "") {
		return ErrInvalidConfig.WrapMessage("%s.eviction: only maxCount and maxAge bound an action cache", name)
	}
	for child, sc := range map[string]*StoreConfig{
		"lower": s.Lower,
		"upper": s.Upper,
		"fast":  s.Fast,
		"slow":  s.Slow,
	} {
		if sc == nil {
			continue
		}
		if err := sc.countOnlyEviction(name + "." + child); err != nil {
			return err
		}
	}
	return nil
}

func missing(name, field string) error {
	return ErrInvalidConfig.WrapMessage("%s: %s is required", name, field)
}

// Validate the store description, name locates it in error messages
func (s StoreConfig) Validate(name string) error {
	switch s.Kind {
	case KindMemory:
	case KindLocalFS, KindBadger, KindPebble:
		if s.Path == "" && !(s.InMemory && s.Kind != KindLocalFS) {
			return missing(name, "path")
		}
	case KindS3, KindGCS:
		if s.Bucket == "" {
			return missing(name, "bucket")
		}
	case KindSizePartition:
		if s.Lower == nil || s.Upper == nil {
			return missing(name, "lower and upper")
		}
		if _, err := parseSize(name+".threshold", s.Threshold); err != nil {
			return err
		}
		if err := s.Lower.Validate(name + ".lower"); err != nil {
			return err
		}
		if err := s.Upper.Validate(name + ".upper"); err != nil {
			return err
		}
	case KindFastSlow:
		if s.Fast == nil || s.Slow == nil {
			return missing(name, "fast and slow")
		}
		if _, err := parseSize(name+".maxPopulateSize", s.MaxPopulateSize); err != nil {
			return err
		}
		if err := s.Fast.Validate(name + ".fast"); err != nil {
			return err
		}
		if err := s.Slow.Validate(name + ".slow"); err != nil {
			return err
		}
	default:
		return ErrInvalidConfig.WrapMessage("%s: unknown store kind %q", name, s.Kind)
	}
	if s.ExistenceCache < 0 {
		return ErrInvalidConfig.WrapMessage("%s.existenceCache must not be negative", name)
	}
	if s.Eviction != nil {
		if _, err := s.Eviction.Policy(name); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the shared components handed to every built store
type Deps struct {
	Logger  *zap.Logger
	Tracer  opentracing.Tracer
	Metrics *metrics.Collector
}

// Stack is a built store along with the resources to release on shutdown
type Stack struct {
	storage.Store
	closers []func() error
}

func (s *Stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases resources in reverse order of acquisition
func (s *Stack) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// Verifier derived from the configured digest function
func (c *Config) Verifier() storage.Verifier {
	return storage.Verifier{Mode: storage.VerifyHash, Func: digest.Function(c.DigestFunction)}
}

// BuildCAS builds the content addressable store
func (c *Config) BuildCAS(ctx context.Context, deps Deps) (*Stack, error) {
	return BuildStore(ctx, "cas", c.CAS, c.Verifier(), deps)
}

// BuildActionCache builds the store of action results. Its keys are action digests
// and its values serialized results, so content is never verified.
func (c *Config) BuildActionCache(ctx context.Context, deps Deps) (*Stack, error) {
	return BuildStore(ctx, "ac", c.ActionCache, storage.NoVerifier, deps)
}

// BuildStore builds the store described by sc, instrumented under name
func BuildStore(ctx context.Context, name string, sc StoreConfig, v storage.Verifier, deps Deps) (*Stack, error) {
	if err := sc.Validate(name); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = opentracing.NoopTracer{}
	}
	stack := &Stack{}
	store, err := stack.build(ctx, name, sc, v, deps)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.Store = storage.Instrument(deps.Tracer, deps.Logger.With(zap.String("store", name)), store)
	return stack, nil
}

func (s *Stack) build(ctx context.Context, name string, sc StoreConfig, v storage.Verifier, deps Deps) (storage.Store, error) {
	l := deps.Logger
	inner := v
	if sc.Compress {
		inner = storage.NoVerifier
	}

	store, err := s.backend(ctx, name, sc, inner, deps)
	if err != nil {
		return nil, err
	}

	if sc.Compress {
		store = compress.New(store, compress.Verifier(v), compress.Logger(l))
	}
	if sc.ExistenceCache > 0 {
		if store, err = existence.New(store, sc.ExistenceCache); err != nil {
			return nil, err
		}
	}
	if sc.Eviction != nil {
		policy, err := sc.Eviction.Policy(name)
		if err != nil {
			return nil, err
		}
		store, err = evicting.New(ctx, store, policy,
			evicting.Logger(l),
			evicting.OnEvict(func(digest.Digest) { deps.Metrics.RecordEviction() }),
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return store, nil
}

func (s *Stack) backend(ctx context.Context, name string, sc StoreConfig, v storage.Verifier, deps Deps) (storage.Store, error) {
	l := deps.Logger
	switch sc.Kind {
	case KindMemory:
		return memory.New(memory.Verifier(v), memory.Logger(l)), nil

	case KindLocalFS:
		lock, err := localfs.AcquireRoot(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		s.onClose(lock.Unlock)
		return localfs.New(afero.NewBasePathFs(afero.NewOsFs(), sc.Path), localfs.Verifier(v), localfs.Logger(l))

	case KindBadger, KindPebble:
		open := kv.OpenBadger
		if sc.Kind == KindPebble {
			open = kv.OpenPebble
		}
		db, err := open(sc.Path, kv.Verifier(v), kv.Logger(l), kv.InMemory(sc.InMemory))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		s.onClose(db.Close)
		return db, nil

	case KindS3:
		awsConfig := &aws.Config{}
		if sc.Region != "" {
			awsConfig.Region = aws.String(sc.Region)
		}
		if sc.Endpoint != "" {
			awsConfig.Endpoint = aws.String(sc.Endpoint)
			awsConfig.S3ForcePathStyle = aws.Bool(true)
		}
		opts := []sthree.Option{
			sthree.Prefix(sc.Prefix),
			sthree.AWSConfig(awsConfig),
			sthree.Verifier(v),
			sthree.Logger(l),
		}
		if sc.Retries > 0 {
			opts = append(opts, sthree.Retries(sc.Retries))
		}
		return sthree.New(sthree.Bucket(sc.Bucket), opts...)

	case KindGCS:
		opts := []gcs.Option{
			gcs.Prefix(sc.Prefix),
			gcs.Verifier(v),
			gcs.Logger(l),
		}
		if sc.Credentials != "" {
			opts = append(opts, gcs.ClientOptions(option.WithCredentialsFile(sc.Credentials)))
		}
		return gcs.New(ctx, sc.Bucket, opts...)

	case KindSizePartition:
		threshold, _ := parseSize(name+".threshold", sc.Threshold)
		lower, err := s.build(ctx, name+".lower", *sc.Lower, v, deps)
		if err != nil {
			return nil, err
		}
		upper, err := s.build(ctx, name+".upper", *sc.Upper, v, deps)
		if err != nil {
			return nil, err
		}
		return sizepartition.New(threshold, lower, upper), nil

	case KindFastSlow:
		fast, err := s.build(ctx, name+".fast", *sc.Fast, v, deps)
		if err != nil {
			return nil, err
		}
		slow, err := s.build(ctx, name+".slow", *sc.Slow, v, deps)
		if err != nil {
			return nil, err
		}
		opts := []fastslow.Option{fastslow.Logger(l)}
		if n, _ := parseSize(name+".maxPopulateSize", sc.MaxPopulateSize); n > 0 {
			opts = append(opts, fastslow.MaxPopulateSize(n))
		}
		return fastslow.New(fast, slow, opts...), nil
	}
	return nil, ErrInvalidConfig.WrapMessage("%s: unknown store kind %q", name, sc.Kind)
}
