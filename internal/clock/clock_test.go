package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresTimersInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Time{})
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "early") })

	c.Advance(1500 * time.Millisecond)
	require.Equal(t, []string{"early"}, fired)

	c.Advance(time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeStoppedTimerNeverFires(t *testing.T) {
	c := NewFake(time.Time{})
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeTimerScheduledFromCallbackFiresWithinSameAdvance(t *testing.T) {
	c := NewFake(time.Time{})
	start := c.Now()
	var at time.Time
	c.AfterFunc(time.Second, func() {
		c.AfterFunc(time.Second, func() { at = c.Now() })
	})

	c.Advance(5 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), at)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
}
