package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestError(t *testing.T) {
	e1 := New("cause1")
	e2 := New("cause2").Wrap(e1)
	e := New("dummy").Wrap(e2)
	e3 := e.Unwrap()
	assert.True(t, Is(e, e1))
	assert.True(t, Is(e, e2))
	assert.True(t, e3 == e2)
}

func TestWrapKeepsSentinel(t *testing.T) {
	sentinel := New("not found")
	first := sentinel.WrapMessage("blob %s", "abc")
	second := sentinel.Wrap(fmt.Errorf("other"))

	assert.True(t, Is(first, sentinel))
	assert.True(t, Is(second, sentinel))
	assert.Nil(t, sentinel.Unwrap(), "sentinel must not be mutated by Wrap")
	assert.Equal(t, "not found: blob abc", first.Error())
	assert.Equal(t, "not found", sentinel.Error())

	// wrapping a wrapped error still matches the root sentinel
	again := first.Wrap(fmt.Errorf("again"))
	assert.True(t, Is(again, sentinel))
}

func TestWrapDerivedSentinel(t *testing.T) {
	base := New("not found")
	derived := base.WrapMessage("unknown upload")
	err := derived.WrapMessage("%s", "u-1")

	assert.True(t, Is(err, derived))
	assert.True(t, Is(err, base))
	assert.False(t, Is(base.WrapMessage("other"), derived))
	assert.Equal(t, "not found: unknown upload: u-1", err.Error())

	again := err.Wrap(fmt.Errorf("again"))
	assert.True(t, Is(again, derived))
	assert.True(t, Is(fmt.Errorf("context: %w", again), derived))
}

func TestWrapWithLog(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sentinel := New("storage API error")
	err := sentinel.WrapWithLog(zap.New(core), fmt.Errorf("boom"), zap.String("key", "k"))
	assert.True(t, Is(err, sentinel))
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "storage API error", logs.All()[0].Message)
}
