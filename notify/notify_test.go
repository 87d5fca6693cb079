package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/commission-engine/commission"
)

func note(earner string) commission.Notification {
	return commission.Notification{
		EarnerID: commission.EarnerID(earner),
		Message:  "commission adjusted after refund",
		Amount:   decimal.RequireFromString("-242.5"),
	}
}

func TestLogSink_WritesStructuredLine(t *testing.T) {
	// GIVEN: A LogSink over an observed core
	// WHEN: Notifying an earner
	// THEN: One info line with the earner and the fixed-point amount

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Notify(context.Background(), note("coach-a")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "commission adjusted after refund", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "coach-a", fields["earner_id"])
	assert.Equal(t, "-242.50", fields["amount"])
}

func TestLogSink_NilLogger(t *testing.T) {
	sink := NewLogSink(nil)
	assert.NoError(t, sink.Notify(context.Background(), note("coach-a")))
}

func TestRecorder_KeepsNotificationsAndReturnsErr(t *testing.T) {
	boom := errors.New("smtp down")
	r := &Recorder{Err: boom}

	err := r.Notify(context.Background(), note("coach-a"))

	assert.ErrorIs(t, err, boom)
	sent := r.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, commission.EarnerID("coach-a"), sent[0].EarnerID)

	sent[0].EarnerID = "mutated"
	assert.Equal(t, commission.EarnerID("coach-a"), r.Sent()[0].EarnerID)
}

func TestFanout_DeliversToAllAndReturnsFirstError(t *testing.T) {
	// GIVEN: Three sinks, the first two failing
	// WHEN: Fanning out one notification
	// THEN: Every sink saw it; the first failure is returned

	first := errors.New("first")
	a := &Recorder{Err: first}
	b := &Recorder{Err: errors.New("second")}
	c := &Recorder{}

	err := Fanout{a, b, c}.Notify(context.Background(), note("coach-a"))

	assert.ErrorIs(t, err, first)
	assert.Len(t, a.Sent(), 1)
	assert.Len(t, b.Sent(), 1)
	assert.Len(t, c.Sent(), 1)
}
