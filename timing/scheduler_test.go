package timing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroDelayFiresOnNextAdvance(t *testing.T) {
	s := NewScheduler()
	fired := 0
	ev := s.RegisterEvent("clearJitCache", func(userdata uint64, late int64) {
		fired++
	})

	s.ScheduleEvent(0, ev, 0, FromCPU)
	assert.Equal(t, 0, fired, "must not fire before Advance")

	s.Advance(0)
	assert.Equal(t, 1, fired)

	s.Advance(100)
	assert.Equal(t, 1, fired, "one-shot event fired twice")
}

func TestDelayOrdering(t *testing.T) {
	s := NewScheduler()
	var order []string
	a := s.RegisterEvent("a", func(uint64, int64) { order = append(order, "a") })
	b := s.RegisterEvent("b", func(uint64, int64) { order = append(order, "b") })

	s.ScheduleEvent(50, b, 0, FromCPU)
	s.ScheduleEvent(10, a, 0, FromCPU)
	s.Advance(100)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestRegisterEventIdempotent(t *testing.T) {
	s := NewScheduler()
	a := s.RegisterEvent("x", func(uint64, int64) {})
	b := s.RegisterEvent("x", func(uint64, int64) {})
	assert.Same(t, a, b)
}

func TestCrossThreadSchedule(t *testing.T) {
	s := NewScheduler()
	fired := 0
	ev := s.RegisterEvent("clearJitCache", func(uint64, int64) { fired++ })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ScheduleEvent(0, ev, 0, FromNonCPU)
		}()
	}
	wg.Wait()

	s.Advance(0)
	assert.Equal(t, 8, fired)
}

func TestCallbackMaySchedule(t *testing.T) {
	s := NewScheduler()
	fired := 0
	var ev *EventType
	ev = s.RegisterEvent("chain", func(uint64, int64) {
		fired++
		if fired == 1 {
			s.ScheduleEvent(10, ev, 0, FromCPU)
		}
	})
	s.ScheduleEvent(0, ev, 0, FromCPU)
	s.Advance(0)
	assert.Equal(t, 1, fired)
	s.Advance(10)
	assert.Equal(t, 2, fired)
}
