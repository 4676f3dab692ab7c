package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	c := NewConstant(50 * time.Millisecond)
	for retry := 1; retry <= 5; retry++ {
		assert.Equal(t, 50*time.Millisecond, c.Delay(retry))
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(100*time.Millisecond, time.Second)

	assert.Equal(t, 100*time.Millisecond, e.Delay(1))
	assert.Equal(t, 200*time.Millisecond, e.Delay(2))
	assert.Equal(t, 400*time.Millisecond, e.Delay(3))
	assert.Equal(t, 800*time.Millisecond, e.Delay(4))
	assert.Equal(t, time.Second, e.Delay(5), "capped at Max")
	assert.Equal(t, time.Second, e.Delay(50), "no overflow past Max")
}

func TestExponentialZeroRetryTreatedAsFirst(t *testing.T) {
	e := NewExponential(100*time.Millisecond, 0)
	assert.Equal(t, 100*time.Millisecond, e.Delay(0))
}

func TestExponentialUncappedSaturates(t *testing.T) {
	e := NewExponential(100*time.Millisecond, 0)
	prev := time.Duration(0)
	for retry := 1; retry <= 200; retry++ {
		d := e.Delay(retry)
		assert.Positive(t, d, "retry %d", retry)
		assert.GreaterOrEqual(t, d, prev, "retry %d", retry)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), e.Delay(40))
	assert.Equal(t, time.Duration(math.MaxInt64), e.Delay(10000))
}

func TestExponentialWithJitterUncappedStaysPositive(t *testing.T) {
	e := &ExponentialWithJitter{Initial: 100 * time.Millisecond, Rand: func() float64 { return 0.999 }}
	for _, retry := range []int{37, 40, 64, 1000} {
		assert.Positive(t, e.Delay(retry), "retry %d", retry)
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	e := NewExponentialWithJitter(100*time.Millisecond, time.Second)
	for retry := 1; retry <= 8; retry++ {
		upper := NewExponential(100*time.Millisecond, time.Second).Delay(retry)
		for i := 0; i < 20; i++ {
			d := e.Delay(retry)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, upper)
		}
	}
}

func TestExponentialWithJitterInjectedRand(t *testing.T) {
	e := &ExponentialWithJitter{Initial: 100 * time.Millisecond, Max: time.Second, Rand: func() float64 { return 0.5 }}
	assert.Equal(t, 50*time.Millisecond, e.Delay(1))
	assert.Equal(t, 200*time.Millisecond, e.Delay(3))
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	_, ok := s.(*ExponentialWithJitter)
	assert.True(t, ok)
	assert.LessOrEqual(t, s.Delay(100), 10*time.Second)
}
