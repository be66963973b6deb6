package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_FiresInDueOrder(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Hour, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Hour, func() { fired = append(fired, "a") })
	c.AfterFunc(3*time.Hour, func() { fired = append(fired, "c") })

	c.Advance(2 * time.Hour)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, start.Add(2*time.Hour), c.Now())
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Hour)
	assert.False(t, fired)
}

func TestFake_CallbackArmsTimerInsideWindow(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	count := 0
	c.AfterFunc(time.Minute, func() {
		count++
		c.AfterFunc(time.Minute, func() { count++ })
	})

	c.Advance(5 * time.Minute)
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_NegativeDelayFiresImmediately(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	c.AfterFunc(-time.Hour, func() { fired = true })
	c.Advance(0)

	assert.True(t, fired)
}
