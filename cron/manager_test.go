package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := config.NewLoader().Defaults()
	m, err := NewManager(context.Background(), config.NewStaticManager(cfg), logger.NewNop(), nil)
	require.NoError(t, err)

	return m.(*Manager)
}

func TestJobsRunOnSchedule(t *testing.T) {
	m := newTestManager(t)

	var runs atomic.Int32
	require.NoError(t, m.Add("tick", "@every 1s", func() { runs.Add(1) }))
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "tick", jobs[0].Name)
}

func TestAddValidation(t *testing.T) {
	m := newTestManager(t)

	assert.ErrorIs(t, m.Add("", "@every 1s", func() {}), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("x", "", func() {}), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, m.Add("x", "@every 1s", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("x", "not a schedule", func() {}), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("x", "*/5 * * * * *", func() {}))
	assert.ErrorIs(t, m.Add("x", "@every 1s", func() {}), types.ErrCronJobExists)

	require.NoError(t, m.Remove("x"))
	assert.ErrorIs(t, m.Remove("x"), types.ErrCronJobNotFound)
}

func TestPanickingJobIsRecorded(t *testing.T) {
	m := newTestManager(t)

	job := m.wrapJob("boom", func() { panic("boom") })
	require.NoError(t, m.Add("boom", "@every 1h", func() {}))

	job()

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].RunCount)
	assert.ErrorIs(t, jobs[0].Error, types.ErrCronJobFailed)
}

func TestSlowJobTimesOut(t *testing.T) {
	m := newTestManager(t)
	m.jobTimeout = 20 * time.Millisecond
	require.NoError(t, m.Add("slow", "@every 1h", func() {}))

	release := make(chan struct{})
	defer close(release)

	m.wrapJob("slow", func() { <-release })()

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.ErrorIs(t, jobs[0].Error, types.ErrCronJobTimeout)
}

func TestStopRejectsNewJobs(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())

	assert.ErrorIs(t, m.Add("late", "@every 1s", func() {}), types.ErrCronSchedulerStopped)
	assert.False(t, m.IsRunning())
}
