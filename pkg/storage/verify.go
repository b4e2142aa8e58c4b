// Copyright © 2018 One Concern

package storage

import (
	"hash"
	"io"

	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/storage/status"
)

// VerifyMode tells how much of a digest is checked on Put
type VerifyMode uint8

const (
	// VerifyHash checks both size and hash
	VerifyHash VerifyMode = iota
	// VerifySize checks only the size
	VerifySize
	// VerifyNone trusts the caller. Used for stores keyed by something else than
	// the content (action cache) or holding transformed content (beneath compress).
	VerifyNone
)

// Verifier checks incoming streams against their claimed digest
type Verifier struct {
	Mode VerifyMode
	Func digest.Function
}

// DefaultVerifier checks size and SHA-256 hash
var DefaultVerifier = Verifier{Mode: VerifyHash, Func: digest.SHA256}

// NoVerifier accepts any content
var NoVerifier = Verifier{Mode: VerifyNone}

// Wrap returns a reader that fails with status.ErrDigestMismatch in place of io.EOF when the
// stream does not match d. Backends only commit after reading io.EOF, so a rejected stream is
// never made visible.
func (v Verifier) Wrap(d digest.Digest, r io.Reader) io.Reader {
	if v.Mode == VerifyNone {
		return r
	}
	vr := &verifyingReader{r: r, expected: d, mode: v.Mode}
	if v.Mode == VerifyHash {
		vr.h = v.Func.New()
	}
	return vr
}

type verifyingReader struct {
	r        io.Reader
	h        hash.Hash
	expected digest.Digest
	mode     VerifyMode
	n        int64
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.n += int64(n)
		if v.n > v.expected.Size {
			return n, status.ErrDigestMismatch.WrapMessage("stream exceeds size %d of %v", v.expected.Size, v.expected)
		}
		if v.h != nil {
			_, _ = v.h.Write(p[:n])
		}
	}
	if err == io.EOF {
		if v.n != v.expected.Size {
			return n, status.ErrDigestMismatch.WrapMessage("got %d bytes for %v", v.n, v.expected)
		}
		if v.h != nil {
			if got := digest.FromHash(v.h, v.n); got != v.expected {
				return n, status.ErrDigestMismatch.WrapMessage("content hashes to %v, not %v", got, v.expected)
			}
		}
	}
	return n, err
}
