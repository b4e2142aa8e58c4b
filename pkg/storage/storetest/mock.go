// Copyright © 2018 One Concern

package storetest

import (
	"context"
	"io"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/stretchr/testify/mock"
)

var _ storage.Store = &MockStore{}

// MockStore is a testify mock of storage.Store
type MockStore struct {
	mock.Mock
}

// String implements storage.Store
func (m *MockStore) String() string {
	return "mock"
}

// Has implements storage.Store
func (m *MockStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	args := m.Called(ctx, d)
	return args.Bool(0), args.Error(1)
}

// Get implements storage.Store
func (m *MockStore) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	args := m.Called(ctx, d)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

// GetRange implements storage.Store
func (m *MockStore) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	args := m.Called(ctx, d, offset, length)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

// Put implements storage.Store
func (m *MockStore) Put(ctx context.Context, d digest.Digest, rdr io.Reader) error {
	args := m.Called(ctx, d, rdr)
	return args.Error(0)
}

// Delete implements storage.Store
func (m *MockStore) Delete(ctx context.Context, d digest.Digest) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

// Keys implements storage.Store
func (m *MockStore) Keys(ctx context.Context) ([]digest.Digest, error) {
	args := m.Called(ctx)
	keys, _ := args.Get(0).([]digest.Digest)
	return keys, args.Error(1)
}
