package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("info").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	// unknown levels fall back to info
	assert.True(t, New("loud").Core().Enabled(zapcore.InfoLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewNop().Sugar()
	assert.Same(t, l, OrNop(l))
}

func TestContextLogger_AttachesMeetingFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRoomID(context.Background(), "room-1")
	ctx = WithParticipant(ctx, "alice", "sess-a")
	ctx = WithTraceID(ctx, "trace-9")

	cl.LogError(ctx, errors.New("boom"), "publish failed")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "room-1", fields["room_id"])
		assert.Equal(t, "alice", fields["participant_id"])
		assert.Equal(t, "sess-a", fields["session_id"])
		assert.Equal(t, "trace-9", fields["trace_id"])
		assert.Equal(t, "boom", fields["error"])
	}
}

func TestContextLogger_NoFields(t *testing.T) {
	base := zap.NewNop()
	cl := NewContextLogger(base)
	assert.Same(t, base, cl.WithContext(context.Background()))
}
