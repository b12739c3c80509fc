package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_AddValidatesSpecAndName(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	s := New(context.Background(), logger)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("snapshot", "@every 5m", noop))
	assert.Error(t, s.Add("snapshot", "@every 1m", noop))
	assert.Error(t, s.Add("bad", "every now and then", noop))

	_, ok := s.Next("snapshot")
	assert.True(t, ok)
	_, ok = s.Next("bad")
	assert.False(t, ok)
}

func TestScheduler_WrapLogsFailures(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	s := New(context.Background(), logger)

	s.wrap("failing", func(context.Context) error { return errors.New("store offline") })()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "failing", entry.Data["job"])
	assert.Equal(t, "Job failed", entry.Message)
}

func TestScheduler_WrapSkipsAfterCancel(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, logger)
	cancel()

	var calls atomic.Int32
	s.wrap("job", func(context.Context) error { calls.Add(1); return nil })()
	assert.Zero(t, calls.Load())
}

func TestScheduler_RunsJobs(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	s := New(context.Background(), logger)

	var calls atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	s.Start()

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_RecoversPanics(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	s := New(context.Background(), logger)

	var calls atomic.Int32
	require.NoError(t, s.Add("panicky", "@every 1s", func(context.Context) error {
		calls.Add(1)
		panic("boom")
	}))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
}

func TestKVFields(t *testing.T) {
	fields := kvFields([]interface{}{"entry", 3, "next", "soon", "dangling"})
	assert.Equal(t, logrus.Fields{"entry": 3, "next": "soon"}, fields)
}
