package dlogger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestGetLogger(t *testing.T) {
	l, err := GetLogger(LogLevelDebug)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = GetLogger(LogLevelInfo, Component("worker"))
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = GetLogger(LogLevelNone)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))

	_, err = GetLogger("verbose")
	require.Error(t, err)
	assert.Panics(t, func() { MustGetLogger("verbose") })
}

func TestServiceFields(t *testing.T) {
	c := productionConfig(zapcore.InfoLevel, nil)
	assert.Equal(t, map[string]interface{}{"service": DefaultService}, c.InitialFields)

	c = productionConfig(zapcore.WarnLevel, []Option{Service("farm-a"), Component("serve")})
	assert.Equal(t, map[string]interface{}{"service": "farm-a", "component": "serve"}, c.InitialFields)
	assert.Equal(t, zapcore.WarnLevel, c.Level.Level())

	// an empty service name keeps the default
	c = productionConfig(zapcore.InfoLevel, []Option{Service("")})
	assert.Equal(t, DefaultService, c.InitialFields["service"])
}
