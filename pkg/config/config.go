// Copyright © 2018 One Concern

// Package config describes the daemon configuration and turns it into wired components.
//
// Sizes are human readable strings ("64MiB") and durations are Go duration strings ("30s").
package config

import (
	"time"

	units "github.com/docker/go-units"
	"github.com/imdario/mergo"
	jsoniter "github.com/json-iterator/go"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/dlogger"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/platform"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config of the daemon
type Config struct {
	LogLevel       string          `mapstructure:"logLevel" json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	DigestFunction string          `mapstructure:"digestFunction" json:"digestFunction,omitempty" yaml:"digestFunction,omitempty"`
	CAS            StoreConfig     `mapstructure:"cas" json:"cas,omitempty" yaml:"cas,omitempty"`
	ActionCache    StoreConfig     `mapstructure:"actionCache" json:"actionCache,omitempty" yaml:"actionCache,omitempty"`
	Scheduler      SchedulerConfig `mapstructure:"scheduler" json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Workers        WorkersConfig   `mapstructure:"workers" json:"workers,omitempty" yaml:"workers,omitempty"`
	Transfer       TransferConfig  `mapstructure:"transfer" json:"transfer,omitempty" yaml:"transfer,omitempty"`
	Admin          AdminConfig     `mapstructure:"admin" json:"admin,omitempty" yaml:"admin,omitempty"`
}

// SchedulerConfig bounds the execution queue
type SchedulerConfig struct {
	HeartbeatTimeout string            `mapstructure:"heartbeatTimeout" json:"heartbeatTimeout,omitempty" yaml:"heartbeatTimeout,omitempty"`
	AssignTimeout    string            `mapstructure:"assignTimeout" json:"assignTimeout,omitempty" yaml:"assignTimeout,omitempty"`
	MaxRetries       *int              `mapstructure:"maxRetries" json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	MaxQueued        int               `mapstructure:"maxQueued" json:"maxQueued,omitempty" yaml:"maxQueued,omitempty"`
	ReapInterval     string            `mapstructure:"reapInterval" json:"reapInterval,omitempty" yaml:"reapInterval,omitempty"`
	PropertyTypes    map[string]string `mapstructure:"propertyTypes" json:"propertyTypes,omitempty" yaml:"propertyTypes,omitempty"`
}

// WorkersConfig describes the workers running inside the daemon
type WorkersConfig struct {
	Local             int               `mapstructure:"local" json:"local,omitempty" yaml:"local,omitempty"`
	Workdir           string            `mapstructure:"workdir" json:"workdir,omitempty" yaml:"workdir,omitempty"`
	HeartbeatInterval string            `mapstructure:"heartbeatInterval" json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty"`
	Concurrency       int               `mapstructure:"concurrency" json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Platform          map[string]string `mapstructure:"platform" json:"platform,omitempty" yaml:"platform,omitempty"`
	InheritEnv        bool              `mapstructure:"inheritEnv" json:"inheritEnv,omitempty" yaml:"inheritEnv,omitempty"`
	KeepWorkdir       bool              `mapstructure:"keepWorkdir" json:"keepWorkdir,omitempty" yaml:"keepWorkdir,omitempty"`
}

// TransferConfig tunes the byte transfer service
type TransferConfig struct {
	SpoolDir          string `mapstructure:"spoolDir" json:"spoolDir,omitempty" yaml:"spoolDir,omitempty"`
	ChunkSize         string `mapstructure:"chunkSize" json:"chunkSize,omitempty" yaml:"chunkSize,omitempty"`
	MaxBufferedChunks int    `mapstructure:"maxBufferedChunks" json:"maxBufferedChunks,omitempty" yaml:"maxBufferedChunks,omitempty"`
	IdleTimeout       string `mapstructure:"idleTimeout" json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
}

// AdminConfig for the HTTP endpoint serving metrics and health
type AdminConfig struct {
	Listen string `mapstructure:"listen" json:"listen,omitempty" yaml:"listen,omitempty"`

	// MaxConnections bounds concurrent connections. Zero is unbounded.
	MaxConnections int `mapstructure:"maxConnections" json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`
}

// Defaults for every setting
func Defaults() *Config {
	retries := 3
	return &Config{
		LogLevel:       "info",
		DigestFunction: string(digest.SHA256),
		CAS: StoreConfig{
			Kind: KindMemory,
			Eviction: &EvictionConfig{
				MaxSize: "1GiB",
			},
		},
		ActionCache: StoreConfig{
			Kind: KindMemory,
		},
		Scheduler: SchedulerConfig{
			HeartbeatTimeout: "30s",
			AssignTimeout:    "10m",
			MaxRetries:       &retries,
			MaxQueued:        10000,
			ReapInterval:     "1s",
		},
		Workers: WorkersConfig{
			Local:             1,
			HeartbeatInterval: "5s",
			Concurrency:       8,
		},
		Transfer: TransferConfig{
			ChunkSize:         "64KiB",
			MaxBufferedChunks: 16,
			IdleTimeout:       "1m",
		},
		Admin: AdminConfig{
			Listen: ":8980",
		},
	}
}

// Load decodes the configuration held by v, then applies defaults and validates it.
//
// Viper folds keys to lower case: so do platform property names read from a file.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, ErrInvalidConfig.Wrap(err)
	}
	if err := c.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// RegisterDefaults declares every defaulted key to v, so that environment variables
// can override them.
func RegisterDefaults(v *viper.Viper) error {
	data, err := json.Marshal(Defaults())
	if err != nil {
		return err
	}
	var values map[string]interface{}
	if err = json.Unmarshal(data, &values); err != nil {
		return err
	}
	for k, val := range values {
		v.SetDefault(k, val)
	}
	return nil
}

// ApplyDefaults fills every unset field with its default
func (c *Config) ApplyDefaults() error {
	// mergo descends into pointers and would override an explicit zero
	var retries *int
	if c.Scheduler.MaxRetries != nil {
		n := *c.Scheduler.MaxRetries
		retries = &n
	}
	if err := mergo.Merge(c, Defaults()); err != nil {
		return err
	}
	if retries != nil {
		c.Scheduler.MaxRetries = retries
	}
	return nil
}

// Validate checks every setting
func (c *Config) Validate() error {
	if c.LogLevel != dlogger.LogLevelNone {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return ErrInvalidConfig.WrapMessage("logLevel: %v", err)
		}
	}
	if !digest.Function(c.DigestFunction).Valid() {
		return ErrInvalidConfig.WrapMessage("unsupported digest function %q", c.DigestFunction)
	}
	if err := c.CAS.Validate("cas"); err != nil {
		return err
	}
	if err := c.ActionCache.Validate("actionCache"); err != nil {
		return err
	}
	if c.ActionCache.Compress {
		return ErrInvalidConfig.WrapMessage("actionCache: compression is not supported")
	}
	if err := c.ActionCache.countOnlyEviction("actionCache"); err != nil {
		return err
	}

	for name, d := range map[string]string{
		"scheduler.heartbeatTimeout": c.Scheduler.HeartbeatTimeout,
		"scheduler.assignTimeout":    c.Scheduler.AssignTimeout,
		"scheduler.reapInterval":     c.Scheduler.ReapInterval,
		"workers.heartbeatInterval":  c.Workers.HeartbeatInterval,
		"transfer.idleTimeout":       c.Transfer.IdleTimeout,
	} {
		if _, err := parseDuration(name, d); err != nil {
			return err
		}
	}
	if _, err := parseSize("transfer.chunkSize", c.Transfer.ChunkSize); err != nil {
		return err
	}
	if _, err := c.Scheduler.Matcher(); err != nil {
		return err
	}
	if c.Scheduler.MaxRetries != nil && *c.Scheduler.MaxRetries < 0 {
		return ErrInvalidConfig.WrapMessage("scheduler.maxRetries must not be negative")
	}
	if c.Admin.MaxConnections < 0 {
		return ErrInvalidConfig.WrapMessage("admin.maxConnections must not be negative")
	}
	if c.Workers.Local < 0 {
		return ErrInvalidConfig.WrapMessage("workers.local must not be negative")
	}
	return nil
}

// Matcher built from the declared property types
func (s SchedulerConfig) Matcher() (*platform.Matcher, error) {
	types := make(map[string]platform.PropertyType, len(s.PropertyTypes))
	for k, v := range s.PropertyTypes {
		t, err := platform.ParsePropertyType(v)
		if err != nil {
			return nil, ErrInvalidConfig.WrapMessage("scheduler.propertyTypes.%s: %v", k, err)
		}
		types[k] = t
	}
	return platform.NewMatcher(types), nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, ErrInvalidConfig.WrapMessage("%s: %v", name, err)
	}
	if d < 0 {
		return 0, ErrInvalidConfig.WrapMessage("%s must not be negative", name)
	}
	return d, nil
}

func parseSize(name, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, ErrInvalidConfig.WrapMessage("%s: %v", name, err)
	}
	if n < 0 {
		return 0, ErrInvalidConfig.WrapMessage("%s must not be negative", name)
	}
	return n, nil
}
