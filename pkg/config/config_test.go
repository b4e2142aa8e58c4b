package config

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
logLevel: debug
cas:
  kind: sizepartition
  threshold: 1KiB
  lower:
    kind: memory
  upper:
    kind: memory
    compress: true
  eviction:
    maxSize: 10MiB
scheduler:
  maxRetries: 0
  assignTimeout: 0s
  propertyTypes:
    cores: minimum
workers:
  local: 2
  platform:
    cores: "4"
`

func TestLoad(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(sample)))

	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, string(digest.SHA256), c.DigestFunction)
	assert.Equal(t, KindSizePartition, c.CAS.Kind)
	require.NotNil(t, c.CAS.Upper)
	assert.True(t, c.CAS.Upper.Compress)
	assert.Equal(t, "10MiB", c.CAS.Eviction.MaxSize)
	assert.Equal(t, KindMemory, c.ActionCache.Kind)

	// explicit zero values survive the defaults
	require.NotNil(t, c.Scheduler.MaxRetries)
	assert.Equal(t, 0, *c.Scheduler.MaxRetries)
	assert.Equal(t, "0s", c.Scheduler.AssignTimeout)
	assert.Equal(t, "30s", c.Scheduler.HeartbeatTimeout)

	assert.Equal(t, 2, c.Workers.Local)
	assert.Equal(t, "4", c.Workers.Platform["cores"])
	assert.Equal(t, ":8980", c.Admin.Listen)
}

func TestDefaultsAreValid(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.ApplyDefaults())
	require.NoError(t, c.Validate())
	require.NotNil(t, c.Scheduler.MaxRetries)
	assert.Equal(t, 3, *c.Scheduler.MaxRetries)
}

func TestValidate(t *testing.T) {
	for _, toPin := range []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "digest function", mutate: func(c *Config) { c.DigestFunction = "md5" }},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "chatty" }},
		{name: "store kind", mutate: func(c *Config) { c.CAS.Kind = "floppy" }},
		{name: "bucket", mutate: func(c *Config) { c.CAS = StoreConfig{Kind: KindS3} }},
		{name: "path", mutate: func(c *Config) { c.CAS = StoreConfig{Kind: KindLocalFS} }},
		{name: "partition children", mutate: func(c *Config) {
			c.CAS = StoreConfig{Kind: KindSizePartition, Lower: &StoreConfig{Kind: KindMemory}}
		}},
		{name: "nested kind", mutate: func(c *Config) {
			c.CAS = StoreConfig{Kind: KindFastSlow, Fast: &StoreConfig{Kind: KindMemory}, Slow: &StoreConfig{Kind: "tape"}}
		}},
		{name: "size", mutate: func(c *Config) { c.CAS.Eviction = &EvictionConfig{MaxSize: "lots"} }},
		{name: "duration", mutate: func(c *Config) { c.Scheduler.HeartbeatTimeout = "soon" }},
		{name: "negative duration", mutate: func(c *Config) { c.Transfer.IdleTimeout = "-1s" }},
		{name: "property type", mutate: func(c *Config) { c.Scheduler.PropertyTypes = map[string]string{"cores": "most"} }},
		{name: "compressed action cache", mutate: func(c *Config) { c.ActionCache.Compress = true }},
		{name: "retries", mutate: func(c *Config) { n := -1; c.Scheduler.MaxRetries = &n }},
		{name: "action cache byte bound", mutate: func(c *Config) {
			c.ActionCache.Eviction = &EvictionConfig{MaxSize: "1MiB"}
		}},
		{name: "nested action cache byte bound", mutate: func(c *Config) {
			c.ActionCache = StoreConfig{
				Kind: KindFastSlow,
				Fast: &StoreConfig{Kind: KindMemory, Eviction: &EvictionConfig{EvictSize: "1KiB", MaxCount: 10}},
				Slow: &StoreConfig{Kind: KindMemory},
			}
		}},
	} {
		fixture := toPin
		t.Run(fixture.name, func(t *testing.T) {
			c := Defaults()
			fixture.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestActionCacheCountBound(t *testing.T) {
	c := Defaults()
	c.ActionCache.Eviction = &EvictionConfig{MaxCount: 1000, MaxAge: "24h"}
	require.NoError(t, c.Validate())
}

func TestBuildCASStack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := Defaults()
	c.CAS = StoreConfig{
		Kind:           KindFastSlow,
		Fast:           &StoreConfig{Kind: KindMemory},
		Slow:           &StoreConfig{Kind: KindMemory, Compress: true, ExistenceCache: 10},
		Eviction:       &EvictionConfig{MaxSize: "1MiB"},
		ExistenceCache: 100,
	}
	require.NoError(t, c.Validate())

	stack, err := c.BuildCAS(ctx, Deps{})
	require.NoError(t, err)
	defer func() { require.NoError(t, stack.Close()) }()

	data := bytes.Repeat([]byte("compressible "), 100)
	d := digest.Of(data)
	require.NoError(t, storage.PutBytes(ctx, stack, d, data))

	back, err := storage.GetBytes(ctx, stack, d)
	require.NoError(t, err)
	assert.Equal(t, data, back)

	// content is verified even though the backend stores compressed bytes
	err = storage.PutBytes(ctx, stack, digest.Of([]byte("other")), []byte("tampered"))
	assert.True(t, errors.Is(err, status.ErrDigestMismatch), "got %v", err)
}

func TestBuildActionCacheSkipsVerification(t *testing.T) {
	ctx := context.Background()
	c := Defaults()

	stack, err := c.BuildActionCache(ctx, Deps{})
	require.NoError(t, err)
	defer func() { _ = stack.Close() }()

	key := digest.Of([]byte("action"))
	require.NoError(t, storage.PutBytes(ctx, stack, key, []byte("serialized result")))
	ok, err := stack.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildLocalFSLocksRoot(t *testing.T) {
	ctx := context.Background()
	sc := StoreConfig{Kind: KindLocalFS, Path: t.TempDir()}

	first, err := BuildStore(ctx, "cas", sc, storage.DefaultVerifier, Deps{})
	require.NoError(t, err)

	_, err = BuildStore(ctx, "cas", sc, storage.DefaultVerifier, Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrLocked), "got %v", err)

	data := []byte("on disk")
	require.NoError(t, storage.PutBytes(ctx, first, digest.Of(data), data))
	require.NoError(t, first.Close())

	second, err := BuildStore(ctx, "cas", sc, storage.DefaultVerifier, Deps{})
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	back, err := storage.GetBytes(ctx, second, digest.Of(data))
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestBuildKV(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []string{KindBadger, KindPebble} {
		stack, err := BuildStore(ctx, kind, StoreConfig{Kind: kind, Path: t.TempDir()}, storage.DefaultVerifier, Deps{})
		require.NoError(t, err, kind)

		data := []byte("in a kv store")
		require.NoError(t, storage.PutBytes(ctx, stack, digest.Of(data), data))
		ok, err := stack.Has(ctx, digest.Of(data))
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, stack.Close())
	}
}

func TestEvictionMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(metrics.WithRegisterer(reg))
	require.NoError(t, err)

	sc := StoreConfig{Kind: KindMemory, Eviction: &EvictionConfig{MaxCount: 1}}
	stack, err := BuildStore(ctx, "cas", sc, storage.DefaultVerifier, Deps{Metrics: m})
	require.NoError(t, err)
	defer func() { _ = stack.Close() }()

	for _, blob := range []string{"first", "second", "third"} {
		require.NoError(t, storage.PutBytes(ctx, stack, digest.Of([]byte(blob)), []byte(blob)))
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var evicted float64
	for _, family := range families {
		if family.GetName() == "buildfarm_store_evictions_total" {
			evicted = family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, evicted)
}

func TestComponentOptions(t *testing.T) {
	c := Defaults()
	c.Transfer.SpoolDir = t.TempDir()
	assert.NotEmpty(t, c.SchedulerOptions(nil, nil))
	assert.NotEmpty(t, c.WorkerOptions(nil))
	assert.Len(t, c.TransferOptions(nil, nil), 6)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("BUILDFARM_TEST_ADMIN_LISTEN", "127.0.0.1:1234")
	t.Setenv("BUILDFARM_TEST_SCHEDULER_MAXQUEUED", "7")

	v := viper.New()
	require.NoError(t, RegisterDefaults(v))
	v.SetEnvPrefix("buildfarm_test")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", c.Admin.Listen)
	assert.Equal(t, 7, c.Scheduler.MaxQueued)
	assert.Equal(t, "1GiB", c.CAS.Eviction.MaxSize)
}
