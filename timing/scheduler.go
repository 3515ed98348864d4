// Package timing is the CPU-thread event scheduler. Mutating subsystems
// that are only safe on the CPU thread (the block cache above all) register
// named events here; other threads may schedule those events, and the CPU
// thread drains them between dispatches via Advance.
package timing

import (
	"sync"

	"github.com/colorfulnotion/gekko/log"
)

// FromThread says which thread a ScheduleEvent call comes from. Every call
// takes the queue mutex, whichever thread it names; FromNonCPU is the only
// sanctioned cross-thread entry and is traced as such.
type FromThread int

const (
	FromCPU FromThread = iota
	FromNonCPU
)

// EventCallback runs on the CPU thread when its event comes due.
type EventCallback func(userdata uint64, cyclesLate int64)

// EventType is a registered event kind. Register once, schedule many times.
type EventType struct {
	name     string
	callback EventCallback
}

type pendingEvent struct {
	due      int64
	order    uint64
	ev       *EventType
	userdata uint64
}

// Scheduler keeps a queue of pending events, in the order they were
// scheduled, against a cycle counter advanced by the CPU thread; Advance
// sorts the due ones by due time.
type Scheduler struct {
	mu     sync.Mutex
	now    int64
	seq    uint64
	queue  []pendingEvent
	events map[string]*EventType
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		events: make(map[string]*EventType),
	}
}

// RegisterEvent names a callback. Re-registering a name returns the
// existing event type, matching the callback or not; callers own their
// names.
func (s *Scheduler) RegisterEvent(name string, callback EventCallback) *EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[name]; ok {
		return ev
	}
	ev := &EventType{name: name, callback: callback}
	s.events[name] = ev
	return ev
}

// ScheduleEvent queues ev to fire once the clock has advanced by delay
// cycles. delay 0 fires on the next Advance. from must be FromNonCPU when
// called off the CPU thread.
func (s *Scheduler) ScheduleEvent(delay int64, ev *EventType, userdata uint64, from FromThread) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, pendingEvent{
		due:      s.now + delay,
		order:    s.seq,
		ev:       ev,
		userdata: userdata,
	})
	s.seq++
	if from == FromNonCPU {
		log.Trace(log.TimingMonitoring, "cross-thread event scheduled", "event", ev.name, "delay", delay)
	}
}

// Advance moves the clock forward by cycles and runs every event that came
// due, in (due, schedule) order. Callbacks run without the queue lock held
// so they may schedule further events.
func (s *Scheduler) Advance(cycles int64) {
	s.mu.Lock()
	s.now += cycles
	now := s.now
	var due []pendingEvent
	rest := s.queue[:0]
	for _, pe := range s.queue {
		if pe.due <= now {
			due = append(due, pe)
		} else {
			rest = append(rest, pe)
		}
	}
	s.queue = rest
	s.mu.Unlock()

	// Stable order: earlier due time first, then schedule order.
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && (due[j].due < due[j-1].due || (due[j].due == due[j-1].due && due[j].order < due[j-1].order)); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	for _, pe := range due {
		pe.ev.callback(pe.userdata, now-pe.due)
	}
}

// Now returns the current cycle count.
func (s *Scheduler) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}
