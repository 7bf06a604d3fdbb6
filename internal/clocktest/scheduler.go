// Package clocktest provides a manually advanced clock.Scheduler.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/aretw0/notesync/pkg/clock"
)

// Scheduler fires callbacks only when Advance moves time past their deadline.
// Callbacks run synchronously on the goroutine calling Advance.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*timer
}

type timer struct {
	s        *Scheduler
	deadline time.Duration
	seq      int
	f        func()
	stopped  bool
	fired    bool
}

// New returns a scheduler positioned at time zero.
func New() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &timer{s: s, deadline: s.now + d, seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d and fires every due timer in deadline order.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	now := s.now
	s.mu.Unlock()

	for {
		t := s.nextDue(now)
		if t == nil {
			return
		}
		t.f()
	}
}

func (s *Scheduler) nextDue(now time.Duration) *timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live

	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].deadline == s.timers[j].deadline {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].deadline < s.timers[j].deadline
	})
	if len(s.timers) == 0 || s.timers[0].deadline > now {
		return nil
	}
	t := s.timers[0]
	t.fired = true
	return t
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
