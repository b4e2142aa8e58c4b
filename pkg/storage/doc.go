// Copyright © 2018 One Concern

// Package storage provides the content-addressed Store interface and helpers
// shared by its backends and decorators.
//
// This package supports the following backends:
//   - memory
//   - local file system (atomic staging)
//   - embedded key/value (badger, pebble)
//   - GCS (Google)
//   - S3 (AWS)
//
// Decorators stack over any backend: compress, sizepartition, existence,
// evicting, fastslow, and the tracing decorator built by Instrument.
package storage
