// Copyright © 2018 One Concern

// Package status declares error constants returned by
// implementations of the Store interface.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/storage and one
// of its implementations.
package status

import (
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
)

var (
	// Sentinel errors returned by implementations of the interface defined by storage

	// ErrNotFound indicates that the requested blob is not present
	ErrNotFound = errors.New("not found")

	// ErrDigestMismatch indicates that the content does not hash to the claimed digest
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrRange indicates that a partial read starts or ends outside of the blob
	ErrRange = errors.New("range out of bounds")

	// ErrInvalidDigest indicates that a digest is not well formed
	ErrInvalidDigest = digest.ErrInvalidDigest

	// ErrResourceExhausted indicates that the store is over capacity after an eviction attempt
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnauthorized indicates that you don't provided correct credentials to the API
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates that the backend API forbids access to the target resource
	ErrForbidden = errors.New("forbidden")

	// ErrNotSupported indicates that the backend API does not support this call
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidResource indicates that the storage resource has an invalid name
	ErrInvalidResource = errors.New("invalid storage resource name")

	// ErrStorageAPI indicates any other storage API error
	ErrStorageAPI = errors.New("storage API error")

	// ErrLocked indicates that a local store root is held by another process
	ErrLocked = errors.New("store root is locked")
)
