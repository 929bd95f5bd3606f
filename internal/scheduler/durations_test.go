package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationsUsesDefaultUntilFloor(t *testing.T) {
	d := NewDurations(DurationConfig{
		Defaults:   map[string]time.Duration{"withdrawal": 4 * time.Minute},
		SampleSize: 5,
		MinSamples: 3,
	}, nil)

	assert.Equal(t, 4*time.Minute, d.Average("withdrawal"))
	d.Observe("withdrawal", time.Minute)
	d.Observe("withdrawal", time.Minute)
	assert.Equal(t, 4*time.Minute, d.Average("withdrawal"))

	d.Observe("withdrawal", 4*time.Minute)
	assert.Equal(t, 2*time.Minute, d.Average("withdrawal"))
	assert.Equal(t, 120, d.AverageSeconds("withdrawal"))
}

func TestDurationsTrailingWindow(t *testing.T) {
	d := NewDurations(DurationConfig{SampleSize: 3, MinSamples: 1}, nil)
	for _, minutes := range []int{10, 10, 10, 1, 1, 1} {
		d.Observe("cash_deposit", time.Duration(minutes)*time.Minute)
	}
	assert.Equal(t, time.Minute, d.Average("cash_deposit"))
	assert.Equal(t, 3, d.Samples("cash_deposit"))
}

func TestDurationsIgnoresNonPositiveSamples(t *testing.T) {
	d := NewDurations(DurationConfig{SampleSize: 3, MinSamples: 1}, nil)
	d.Observe("meet_gm", 0)
	d.Observe("meet_gm", -time.Second)
	assert.Equal(t, 0, d.Samples("meet_gm"))
}

func TestDurationsUnknownServiceFallsBack(t *testing.T) {
	d := NewDurations(DurationConfig{}, nil)
	assert.Equal(t, FallbackDuration, d.Average("unknown"))
	assert.Equal(t, 300, d.AverageSeconds("unknown"))
}
