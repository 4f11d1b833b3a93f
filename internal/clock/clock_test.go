package clock_test

import (
	"testing"
	"time"

	"github.com/kgretry/ddcadapt/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestSleepAccruesStats(t *testing.T) {
	var fakeNow = time.Unix(0, 0)
	var slept []time.Duration

	var c = clock.NewWithFuncs(
		func(d time.Duration) {
			slept = append(slept, d)
			fakeNow = fakeNow.Add(d)
		},
		func() time.Time { return fakeNow },
	)

	c.Sleep(10, clock.Options{})
	c.Sleep(20, clock.Options{})

	var stats = c.Snapshot()
	assert.Equal(t, int64(2), stats.Calls)
	assert.Equal(t, int64(30), stats.RequestedMillis)
	assert.Equal(t, (10*time.Millisecond + 20*time.Millisecond).Nanoseconds(), stats.ActualNanos)
	assert.Len(t, slept, 2)
}

func TestZeroSleepStillAccruesCall(t *testing.T) {
	var c = clock.NewWithFuncs(func(time.Duration) {}, func() time.Time { return time.Unix(0, 0) })

	c.Sleep(0, clock.Options{})

	assert.EqualValues(t, 1, c.Snapshot().Calls)
}

func TestNoStatsSuppressesRecording(t *testing.T) {
	var c = clock.NewWithFuncs(func(time.Duration) {}, func() time.Time { return time.Unix(0, 0) })

	c.Sleep(5, clock.Options{NoStats: true})

	assert.EqualValues(t, 0, c.Snapshot().Calls)
}
