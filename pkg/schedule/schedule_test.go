package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestEveryRunsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Close()

	var runs atomic.Int32
	require.True(t, s.Every("sweep", time.Minute, func(context.Context) { runs.Add(1) }))

	clock.Advance(59 * time.Second)
	assert.Never(t, func() bool { return runs.Load() > 0 }, 50*time.Millisecond, tick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, tick)
}

func TestEveryStartsOnce(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	defer s.Close()

	assert.True(t, s.Every("sweep", time.Minute, func(context.Context) {}))
	assert.False(t, s.Every("sweep", time.Minute, func(context.Context) {}))
	assert.True(t, s.Running("sweep"))
}

func TestStopHaltsPeriodicTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Close()

	var runs atomic.Int32
	s.Every("sweep", time.Minute, func(context.Context) { runs.Add(1) })
	require.True(t, s.Stop("sweep"))
	assert.False(t, s.Running("sweep"))
	assert.False(t, s.Stop("sweep"))

	clock.Advance(5 * time.Minute)
	assert.Never(t, func() bool { return runs.Load() > 0 }, 50*time.Millisecond, tick)

	// a stopped task can be started again
	assert.True(t, s.Every("sweep", time.Minute, func(context.Context) { runs.Add(1) }))
}

func TestAfterFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Close()

	var runs atomic.Int32
	s.After("close-all", 2*time.Minute, func(context.Context) { runs.Add(1) })
	assert.True(t, s.Running("close-all"))

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !s.Running("close-all") }, waitFor, tick)

	clock.Advance(10 * time.Minute)
	assert.Never(t, func() bool { return runs.Load() > 1 }, 50*time.Millisecond, tick)
}

func TestAfterReplacesPendingTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Close()

	var first, second atomic.Int32
	s.After("close-all", 2*time.Minute, func(context.Context) { first.Add(1) })
	clock.Advance(time.Minute)
	s.After("close-all", 2*time.Minute, func(context.Context) { second.Add(1) })

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return first.Load() > 0 || second.Load() > 0 }, 50*time.Millisecond, tick)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(0), first.Load())
}

func TestStopCancelsPendingOneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Close()

	var runs atomic.Int32
	s.After("close-all", 2*time.Minute, func(context.Context) { runs.Add(1) })
	clock.Advance(10 * time.Second)
	require.True(t, s.Stop("close-all"))

	clock.Advance(5 * time.Minute)
	assert.Never(t, func() bool { return runs.Load() > 0 }, 50*time.Millisecond, tick)
}

func TestCloseStopsEverythingAndRejectsNewTasks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)

	s.Every("a", time.Minute, func(context.Context) {})
	s.After("b", time.Minute, func(context.Context) {})
	s.Close()

	assert.Empty(t, s.Names())
	assert.False(t, s.Every("a", time.Minute, func(context.Context) {}))
	s.After("b", time.Minute, func(context.Context) {})
	assert.False(t, s.Running("b"))
}
