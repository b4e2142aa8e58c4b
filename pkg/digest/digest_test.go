package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf(t *testing.T) {
	data := []byte("hello world")
	d := Of(data)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), d.Hex())
	assert.Equal(t, int64(len(data)), d.Size)
	assert.Equal(t, d.Hex()+"-11", d.String())

	// structural equality
	assert.True(t, d == Of([]byte("hello world")))
	assert.False(t, d == Of([]byte("hello world!")))
}

func TestBlake2b(t *testing.T) {
	data := []byte("hello world")
	d := Blake2b256.Of(data)
	assert.NotEqual(t, Of(data), d)
	fromReader, err := Blake2b256.FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, d, fromReader)
	assert.True(t, Blake2b256.Valid())
	assert.False(t, Function("md5").Valid())
}

func TestParse(t *testing.T) {
	d := Of([]byte("content"))
	parsed, err := Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	for _, bad := range []string{
		"",
		"nosize",
		d.Hex() + "-abc",
		d.Hex()[2:] + "-7",
		"zz" + d.Hex()[2:] + "-7",
		d.Hex() + "--1",
		hex.EncodeToString(make([]byte, HashSize)) + "-0",
	} {
		_, err := Parse(bad)
		assert.Truef(t, errors.Is(err, ErrInvalidDigest), "expected invalid digest for %q", bad)
	}
}

func TestText(t *testing.T) {
	d := Of([]byte("content"))
	txt, err := d.MarshalText()
	require.NoError(t, err)
	var back Digest
	require.NoError(t, back.UnmarshalText(txt))
	assert.Equal(t, d, back)
	assert.True(t, Digest{}.IsZero())
	assert.False(t, Empty.IsZero())
	assert.NoError(t, Empty.Validate())
}
