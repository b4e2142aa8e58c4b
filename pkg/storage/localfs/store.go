// Copyright © 2018 One Concern

// Package localfs implements a content-addressed store on a file system.
//
// Blobs live under "<first two hex chars>/<hex>-<size>". Puts are staged in a
// dedicated area of the same file system, then Rename()d into place, so a crash
// mid-write never exposes a truncated blob.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nightlyone/lockfile"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

/* staging area key prefix and lock file name */
const (
	nestedPutStageName = ".put-stage"
	lockFileName       = ".buildfarm-lock"
)

// Option for the local store
type Option func(*localFS)

// Verifier sets the verification applied on Put
func Verifier(v storage.Verifier) Option {
	return func(l *localFS) {
		l.verifier = v
	}
}

// Logger for this store
func Logger(zl *zap.Logger) Option {
	return func(l *localFS) {
		if zl != nil {
			l.l = zl
		}
	}
}

// New creates a new local file system backed store.
//
// A nil fs defaults to ".buildfarm/cas" under the current directory.
func New(fs afero.Fs, opts ...Option) (storage.Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".buildfarm", "cas"))
	}
	/* the staging area exists within the afero.Fs itself */
	if err := fs.MkdirAll(nestedPutStageName, 0700); err != nil {
		return nil, fmt.Errorf("ensuring put staging directory for %q: %v", nestedPutStageName, err)
	}
	l := &localFS{
		fs:       fs,
		verifier: storage.DefaultVerifier,
		l:        zap.NewNop(),
	}
	for _, apply := range opts {
		apply(l)
	}
	return l, nil
}

// AcquireRoot creates root on the OS file system and takes an exclusive lock on it,
// so two daemons never share the same content directory.
func AcquireRoot(root string) (lockfile.Lockfile, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(abs, 0700); err != nil {
		return "", err
	}
	lock, err := lockfile.New(filepath.Join(abs, lockFileName))
	if err != nil {
		return "", err
	}
	if err = lock.TryLock(); err != nil {
		return "", status.ErrLocked.Wrap(err)
	}
	return lock, nil
}

type localFS struct {
	fs       afero.Fs
	verifier storage.Verifier
	l        *zap.Logger
}

func keyPath(d digest.Digest) string {
	h := d.Hex()
	return filepath.Join(h[:2], d.String())
}

func (l *localFS) Has(ctx context.Context, d digest.Digest) (bool, error) {
	fi, err := l.fs.Stat(keyPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return !fi.IsDir(), nil
}

func (l *localFS) open(d digest.Digest) (afero.File, error) {
	f, err := l.fs.Open(keyPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotFound.WrapMessage("blob %v", d)
		}
		return nil, err
	}
	return f, nil
}

func (l *localFS) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	return l.open(d)
}

func (l *localFS) GetRange(ctx context.Context, d digest.Digest, offset, length int64) (io.ReadCloser, error) {
	f, err := l.open(d)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	length, err = storage.CheckRange(digest.Digest{Hash: d.Hash, Size: fi.Size()}, offset, length)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err = f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return storage.LimitReadCloser(f, length), nil
}

func (l *localFS) Put(ctx context.Context, d digest.Digest, source io.Reader) error {
	has, err := l.Has(ctx, d)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	stageKey := filepath.Join(nestedPutStageName, ksuid.New().String())
	if err = l.stage(ctx, stageKey, d, source); err != nil {
		_ = l.fs.Remove(stageKey)
		l.l.Debug("discarding staged blob", zap.Stringer("digest", d), zap.Error(err))
		return err
	}

	key := keyPath(d)
	/* Rename() doesn't create directories automatically */
	if err = l.fs.MkdirAll(filepath.Dir(key), 0700); err != nil {
		_ = l.fs.Remove(stageKey)
		return fmt.Errorf("ensuring directories for %q: %v", key, err)
	}
	if has, _ = l.Has(ctx, d); has {
		// lost the race to an identical write
		return l.fs.Remove(stageKey)
	}
	return l.fs.Rename(stageKey, key)
}

func (l *localFS) stage(ctx context.Context, stageKey string, d digest.Digest, source io.Reader) error {
	target, err := l.fs.OpenFile(stageKey, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create staging record for %v: %v", d, err)
	}
	if _, err = storage.PipeIO(target, storage.ContextReader(ctx, l.verifier.Wrap(d, source))); err != nil {
		_ = target.Close()
		return err
	}
	if err = target.Sync(); err != nil {
		_ = target.Close()
		return err
	}
	return target.Close()
}

func (l *localFS) Delete(ctx context.Context, d digest.Digest) error {
	key := keyPath(d)
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %v", key, err)
	}
	return nil
}

func (l *localFS) Keys(ctx context.Context) ([]digest.Digest, error) {
	const root = "."
	var res []digest.Digest
	e := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.TrimPrefix(path, string(os.PathSeparator)) == nestedPutStageName {
				return filepath.SkipDir
			}
			return nil
		}
		d, perr := digest.Parse(filepath.Base(path))
		if perr != nil {
			// not a blob: lock file or foreign content
			return nil
		}
		res = append(res, d)
		return nil
	})
	if e != nil {
		return nil, e
	}
	return res, nil
}

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs
	}
}
