// Copyright © 2018 One Concern

// Package dlogger builds the zap loggers of the buildfarm daemon, with log levels
package dlogger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LogLevelInfo sets the log level to info
	LogLevelInfo = "info"

	// LogLevelDebug sets the log level to debug
	LogLevelDebug = "debug"

	// LogLevelNone sets logger to no logging
	LogLevelNone = "none"

	// DefaultService tags every log entry unless overridden
	DefaultService = "buildfarm"
)

type settings struct {
	service   string
	component string
}

// Option for GetLogger
type Option func(*settings)

// Service name carried by every entry
func Service(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.service = name
		}
	}
}

// Component name carried by every entry, e.g. "serve" or "worker"
func Component(name string) Option {
	return func(s *settings) {
		s.component = name
	}
}

func productionConfig(lvl zapcore.Level, opts []Option) zap.Config {
	s := settings{service: DefaultService}
	for _, apply := range opts {
		apply(&s)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	zapConfig.InitialFields = map[string]interface{}{"service": s.service}
	if s.component != "" {
		zapConfig.InitialFields["component"] = s.component
	}
	return zapConfig
}

// GetLogger returns a production zap logger at logLevel, tagged with the service name.
// LogLevelNone yields a no-op logger.
func GetLogger(logLevel string, opts ...Option) (*zap.Logger, error) {
	if logLevel == LogLevelNone {
		return zap.NewNop(), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, err
	}
	return productionConfig(lvl, opts).Build()
}

// MustGetLogger returns a zap logger with the specified level or panics
func MustGetLogger(logLevel string, opts ...Option) *zap.Logger {
	l, err := GetLogger(logLevel, opts...)
	if err != nil {
		panic(err)
	}
	return l
}
