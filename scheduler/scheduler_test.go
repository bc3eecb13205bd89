package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nokia/moler/scheduler"
)

func TestCallLaterFiresOnce(t *testing.T) {
	s := scheduler.New()
	var calls int32
	s.CallLater(10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCallLaterCancelBeforeFirePreventsCall(t *testing.T) {
	s := scheduler.New()
	var calls int32
	h := s.CallLater(30*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	h.Cancel()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCallLaterCancelIsIdempotent(t *testing.T) {
	s := scheduler.New()
	h := s.CallLater(10*time.Millisecond, func() {})
	h.Cancel()
	h.Cancel() // must not panic
}

func TestCallPeriodicFiresRepeatedlyUntilCancelled(t *testing.T) {
	s := scheduler.New()
	var calls int32
	h := s.CallPeriodic(10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	h.Cancel()

	seen := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, atomic.LoadInt32(&calls))
}
