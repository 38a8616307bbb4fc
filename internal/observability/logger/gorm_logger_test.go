package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errLockTimeout = errors.New("canceling statement due to lock timeout")

func TestGormLoggerDowngradesContention(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := DefaultGormLoggerConfig()
	cfg.IsContention = func(err error) bool { return errors.Is(err, errLockTimeout) }
	l := NewGormLogger(zap.New(core), cfg)

	query := func() (string, int64) {
		return "SELECT * FROM location_counters WHERE location_id = 1 FOR UPDATE", 0
	}
	l.Trace(context.Background(), time.Now(), query, errLockTimeout)
	l.Trace(context.Background(), time.Now(), query, errors.New("relation does not exist"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "SELECT", fields["operation"])
	assert.Equal(t, true, fields["row_lock"])
	assert.Equal(t, "gorm", fields["component"])
}

func TestGormLoggerSkipsFastQueries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "UPDATE location_counters SET current_value = 2", 1
	}, nil)
	assert.Equal(t, 0, logs.Len())
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SET", operationFromSQL("SET LOCAL lock_timeout = '3000ms'"))
	assert.Equal(t, "INSERT", operationFromSQL("  insert into location_counters (location_id) values (1)"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}
