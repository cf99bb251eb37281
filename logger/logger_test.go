package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dgt/seed-ledger/logger"
)

func TestNew_Level(t *testing.T) {
	log, err := logger.New("warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := logger.New("chatty")
	assert.Error(t, err)
}

func TestNamed_NilBase(t *testing.T) {
	log := logger.Named(nil, "api")
	require.NotNil(t, log)
	log.Info("discarded")
}

func TestMust_Panics(t *testing.T) {
	assert.Panics(t, func() {
		logger.Must(logger.New("chatty"))
	})
}
