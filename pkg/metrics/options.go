// Copyright © 2018 One Concern

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Option defines some options to the metrics initialization
type Option func(*settings)

type settings struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
}

func defaultSettings() *settings {
	return &settings{
		namespace: "buildfarm",
		buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	}
}

// WithNamespace prefixes every metric name. The default is "buildfarm".
func WithNamespace(ns string) Option {
	return func(s *settings) {
		s.namespace = ns
	}
}

// WithRegisterer registers the collectors. Without one, metrics are collected but not exposed.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *settings) {
		s.registerer = r
	}
}

// WithBuckets overrides the histogram buckets, in seconds
func WithBuckets(buckets []float64) Option {
	return func(s *settings) {
		if len(buckets) > 0 {
			s.buckets = buckets
		}
	}
}
