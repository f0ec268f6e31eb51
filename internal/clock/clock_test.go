package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_Step(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	c := Fake(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now())

	c.SetStep(time.Millisecond)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Millisecond), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, start.Add(time.Second+2*time.Millisecond), c.Now())
}

func TestBudget(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0))
	b := NewBudget(c, 10*time.Millisecond, true)
	assert.True(t, b.Limited())
	assert.False(t, b.Exceeded())

	c.Advance(10 * time.Millisecond)
	assert.True(t, b.Exceeded())

	unlimited := NewBudget(c, 0, false)
	c.Advance(time.Hour)
	assert.False(t, unlimited.Exceeded())
}
