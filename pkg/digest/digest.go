// Copyright © 2018 One Concern

// Package digest defines the identity of a content-addressed blob: the hash of its
// bytes and their length.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strconv"
	"strings"

	"github.com/minio/blake2b-simd"
	"github.com/oneconcern/buildfarm/pkg/errors"
)

// HashSize is the length in bytes of every supported hash
const HashSize = 32

var (
	// ErrInvalidDigest is returned when a digest cannot be parsed or is not well formed
	ErrInvalidDigest = errors.New("invalid digest")
)

// Digest identifies a blob by hash and size. Digests are comparable values.
type Digest struct {
	Hash [HashSize]byte
	Size int64
}

// Function names a hash function used to compute digests
type Function string

const (
	// SHA256 is the default digest function
	SHA256 Function = "sha256"
	// Blake2b256 uses BLAKE2b with a 256 bit output
	Blake2b256 Function = "blake2b256"
)

// New returns a fresh hasher for this function
func (f Function) New() hash.Hash {
	switch f {
	case Blake2b256:
		return blake2b.New256()
	default:
		return sha256.New()
	}
}

// Valid tells if this function is supported
func (f Function) Valid() bool {
	return f == SHA256 || f == Blake2b256 || f == ""
}

// Of computes the digest of a byte slice
func (f Function) Of(data []byte) Digest {
	h := f.New()
	_, _ = h.Write(data)
	return FromHash(h, int64(len(data)))
}

// FromReader computes the digest of a stream
func (f Function) FromReader(r io.Reader) (Digest, error) {
	h := f.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return FromHash(h, n), nil
}

// FromHash builds a digest from a hasher that consumed size bytes
func FromHash(h hash.Hash, size int64) Digest {
	var d Digest
	copy(d.Hash[:], h.Sum(nil))
	d.Size = size
	return d
}

// Of computes the SHA-256 digest of a byte slice
func Of(data []byte) Digest {
	return SHA256.Of(data)
}

// Empty is the SHA-256 digest of zero bytes
var Empty = Of(nil)

// Hex renders the hash part
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Hash[:])
}

// String renders the digest as "<hex>-<size>"
func (d Digest) String() string {
	return d.Hex() + "-" + strconv.FormatInt(d.Size, 10)
}

// IsZero is true for the zero value, which never addresses a blob
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Validate checks that the digest could address a blob
func (d Digest) Validate() error {
	if d.Size < 0 {
		return ErrInvalidDigest.WrapMessage("negative size %d", d.Size)
	}
	if d.Hash == [HashSize]byte{} {
		return ErrInvalidDigest.WrapMessage("empty hash")
	}
	return nil
}

// Parse reads the "<hex>-<size>" form
func Parse(s string) (Digest, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx < 0 {
		return Digest{}, ErrInvalidDigest.WrapMessage("missing size in %q", s)
	}
	return FromParts(s[:idx], s[idx+1:])
}

// FromParts builds a digest from a hex hash and a decimal size
func FromParts(hexHash, size string) (Digest, error) {
	var d Digest
	if len(hexHash) != 2*HashSize {
		return d, ErrInvalidDigest.WrapMessage("hash %q has length %d", hexHash, len(hexHash))
	}
	if _, err := hex.Decode(d.Hash[:], []byte(hexHash)); err != nil {
		return d, ErrInvalidDigest.Wrap(err)
	}
	sz, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return d, ErrInvalidDigest.Wrap(err)
	}
	d.Size = sz
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// MarshalText renders the digest in its string form
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the string form
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
