package invalidation

import (
	"sync"
	"time"

	"github.com/aretw0/notesync/pkg/clock"
	"github.com/aretw0/notesync/pkg/core"
)

// debouncer collapses bursts of changes for the same note into one dispatch
// carrying the latest change. Keys never share a timer.
//
// Changes without a note id share the empty key, so a burst of them
// collapses into one list refresh.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	sched   clock.Scheduler
	pending map[string]*pendingChange
	stopped bool
	wg      sync.WaitGroup
}

type pendingChange struct {
	change core.Change
	timer  clock.Timer
	seq    uint64
	// dropped is set when stopAndWait removed the entry while its timer
	// could not be stopped; the firing callback then releases the wait group.
	dropped bool
}

func newDebouncer(window time.Duration, sched clock.Scheduler) *debouncer {
	return &debouncer{
		window:  window,
		sched:   sched,
		pending: make(map[string]*pendingChange),
	}
}

// add schedules fn for the change, replacing any change pending under the same key.
func (d *debouncer) add(c core.Change, fn func(core.Change)) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.window <= 0 {
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()
		fn(c)
		return
	}
	defer d.mu.Unlock()

	key := c.ID()
	p, ok := d.pending[key]
	if !ok {
		p = &pendingChange{}
		d.pending[key] = p
		d.wg.Add(1)
	} else if p.timer != nil {
		p.timer.Stop()
	}
	p.change = c
	p.seq++
	seq := p.seq
	p.timer = d.sched.AfterFunc(d.window, func() {
		d.mu.Lock()
		if p.seq != seq {
			d.mu.Unlock()
			return
		}
		if p.dropped {
			d.mu.Unlock()
			d.wg.Done()
			return
		}
		if cur, ok := d.pending[key]; !ok || cur != p {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		stopped := d.stopped
		d.mu.Unlock()

		defer d.wg.Done()
		if !stopped {
			fn(p.change)
		}
	})
}

// stopAndWait stops accepting changes, drops the pending ones, and waits for
// dispatches already running, up to timeout.
func (d *debouncer) stopAndWait(timeout time.Duration) {
	d.mu.Lock()
	d.stopped = true
	for key, p := range d.pending {
		if p.timer != nil && p.timer.Stop() {
			d.wg.Done()
		} else {
			p.dropped = true
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
