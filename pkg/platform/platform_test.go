package platform

import (
	"testing"

	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatisfies(t *testing.T) {
	m := NewMatcher(map[string]PropertyType{
		"cpu-count": Minimum,
		"nice":      Priority,
	})
	worker := Properties{"os": "linux", "arch": "amd64", "cpu-count": "8"}

	for _, tc := range []struct {
		name     string
		required Properties
		expected bool
	}{
		{name: "no requirement", required: nil, expected: true},
		{name: "exact subset", required: Properties{"os": "linux"}, expected: true},
		{name: "exact mismatch", required: Properties{"os": "darwin"}, expected: false},
		{name: "missing key", required: Properties{"gpu": "true"}, expected: false},
		{name: "minimum met", required: Properties{"cpu-count": "8"}, expected: true},
		{name: "minimum below", required: Properties{"cpu-count": "4"}, expected: true},
		{name: "minimum not met", required: Properties{"cpu-count": "16"}, expected: false},
		{name: "minimum not numeric", required: Properties{"cpu-count": "many"}, expected: false},
		{name: "priority ignored", required: Properties{"nice": "10", "os": "linux"}, expected: true},
	} {
		assert.Equalf(t, tc.expected, m.Satisfies(worker, tc.required), "case %s", tc.name)
	}

	var untyped *Matcher
	assert.True(t, untyped.Satisfies(worker, Properties{"cpu-count": "8"}))
	assert.False(t, untyped.Satisfies(worker, Properties{"cpu-count": "4"}))
}

func TestParsePropertyType(t *testing.T) {
	for _, typ := range []PropertyType{Exact, Minimum, Priority} {
		parsed, err := ParsePropertyType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParsePropertyType("maximum")
	assert.True(t, errors.Is(err, ErrUnknownPropertyType))
}

func TestProperties(t *testing.T) {
	p := Properties{"os": "linux", "arch": "amd64"}
	assert.Equal(t, "arch=amd64,os=linux", p.String())
	c := p.Clone()
	c["os"] = "darwin"
	assert.Equal(t, "linux", p["os"])
}
