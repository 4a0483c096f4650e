package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(1000, 0))
	ch := c.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, time.Unix(1001, 0), got)
	default:
		t.Fatal("expected fire after advance")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	called := false
	timer := c.AfterFunc(time.Minute, func() { called = true })
	require.True(t, timer.Stop())
	c.Advance(time.Hour)
	assert.False(t, called)
	assert.False(t, timer.Stop())
}

func TestFakeTickerRepeats(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		c.Advance(10 * time.Second)
		select {
		case <-ticker.C():
			ticks++
		default:
		}
	}
	assert.Equal(t, 3, ticks)
	assert.Equal(t, time.Unix(30, 0), c.Now())
}
