// Package coalesce turns bursts of local edits into single deferred writes.
//
// State is keyed by note id: every note owns its own timer and payload
// accumulator, so an edit to one note never resets or replaces the pending
// write of another.
package coalesce

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/notesync/pkg/clock"
	"github.com/aretw0/notesync/pkg/core"
)

// DefaultWindow is the coalescing window applied when none is configured.
const DefaultWindow = 750 * time.Millisecond

// FlushFunc performs the durable write for one note.
type FlushFunc func(ctx context.Context, noteID string, payload core.Patch) (core.NoteRecord, error)

// ResultFunc receives the outcome of a flush after the pending write has been
// cleared. It is not called for writes cancelled while in flight.
type ResultFunc func(noteID string, payload core.Patch, rec core.NoteRecord, err error)

// Pending describes the outstanding write intent for a note.
type Pending struct {
	NoteID   string
	Queued   core.Patch
	InFlight *core.Patch
	Held     bool
}

// Touches reports whether the queued or in-flight payload writes f.
func (p Pending) Touches(f core.Field) bool {
	if p.Queued.Has(f) {
		return true
	}
	return p.InFlight != nil && p.InFlight.Has(f)
}

type slot struct {
	queued   core.Patch
	timer    clock.Timer
	seq      uint64
	inFlight *core.Patch
	due      bool
	held     bool
}

func (s *slot) idle() bool {
	return s.queued.IsEmpty() && s.inFlight == nil && !s.held
}

// Coalescer holds at most one pending write per note.
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	sched   clock.Scheduler
	flush   FlushFunc
	result  ResultFunc
	logger  *slog.Logger
	ctx     context.Context
	slots   map[string]*slot
	wg      sync.WaitGroup
	flushed uint64
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithWindow sets the coalescing window.
func WithWindow(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s clock.Scheduler) Option {
	return func(c *Coalescer) {
		if s != nil {
			c.sched = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coalescer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithResult registers the completion callback.
func WithResult(fn ResultFunc) Option {
	return func(c *Coalescer) {
		c.result = fn
	}
}

// WithContext sets the parent context of every flush.
func WithContext(ctx context.Context) Option {
	return func(c *Coalescer) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

// New creates a Coalescer that persists through flush.
func New(flush FlushFunc, opts ...Option) *Coalescer {
	c := &Coalescer{
		window: DefaultWindow,
		sched:  clock.Real(),
		flush:  flush,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:    context.Background(),
		slots:  make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Window returns the configured coalescing window.
func (c *Coalescer) Window() time.Duration {
	return c.window
}

// Schedule merges patch into the note's pending payload and restarts its timer.
// Fields already pending that patch does not touch are kept.
func (c *Coalescer) Schedule(noteID string, patch core.Patch) {
	if patch.IsEmpty() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[noteID]
	if !ok {
		s = &slot{}
		c.slots[noteID] = s
	}
	s.queued = s.queued.Merge(patch)
	c.arm(noteID, s)

	c.logger.Debug("write coalesced", "note", noteID, "fields", s.queued.Fields(), "in_flight", s.inFlight != nil)
}

// arm (re)starts the slot timer. Caller holds c.mu.
func (c *Coalescer) arm(noteID string, s *slot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timer = c.sched.AfterFunc(c.window, func() {
		c.fire(noteID, s, seq)
	})
}

func (c *Coalescer) fire(noteID string, s *slot, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slots[noteID] != s || s.seq != seq {
		return // rescheduled or cancelled
	}
	s.timer = nil
	c.launch(noteID, s)
}

// launch moves the queued payload in flight, or marks the slot due if it
// cannot fire yet. Caller holds c.mu.
func (c *Coalescer) launch(noteID string, s *slot) {
	if s.queued.IsEmpty() {
		return
	}
	if s.inFlight != nil || s.held {
		s.due = true
		return
	}
	payload := s.queued
	s.queued = core.Patch{}
	s.due = false
	s.inFlight = &payload
	c.flushed++

	c.wg.Add(1)
	lifecycle.Go(c.ctx, func(ctx context.Context) error {
		defer c.wg.Done()
		rec, err := c.flush(ctx, noteID, payload.Clone())
		c.complete(noteID, s, payload, rec, err)
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		c.logger.Error("flush panic", "note", noteID, "error", err)
		c.complete(noteID, s, payload, core.NoteRecord{}, fmt.Errorf("flush panic: %w", err))
	}))
}

func (c *Coalescer) complete(noteID string, s *slot, payload core.Patch, rec core.NoteRecord, err error) {
	c.mu.Lock()
	if c.slots[noteID] != s || s.inFlight == nil {
		c.mu.Unlock()
		c.logger.Debug("discarding result of cancelled write", "note", noteID)
		return
	}
	s.inFlight = nil
	if s.due {
		c.launch(noteID, s)
	}
	if s.idle() {
		delete(c.slots, noteID)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("write failed", "note", noteID, "error", err)
	}
	if c.result != nil {
		c.result(noteID, payload, rec, err)
	}
}

// Pending returns the outstanding intent for noteID.
func (c *Coalescer) Pending(noteID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[noteID]
	if !ok {
		return Pending{}, false
	}
	p := Pending{NoteID: noteID, Queued: s.queued.Clone(), Held: s.held}
	if s.inFlight != nil {
		f := s.inFlight.Clone()
		p.InFlight = &f
	}
	return p, true
}

// Hold blocks noteID from firing until Release. Edits keep accumulating.
func (c *Coalescer) Hold(noteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[noteID]
	if !ok {
		s = &slot{}
		c.slots[noteID] = s
	}
	s.held = true
}

// Release lifts a hold and moves the slot to newID (which may equal oldID).
// A write that came due while held fires immediately.
func (c *Coalescer) Release(oldID, newID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[oldID]
	if !ok {
		return
	}
	delete(c.slots, oldID)
	s.held = false
	if s.idle() {
		return
	}
	c.slots[newID] = s
	switch {
	case s.due:
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		c.launch(newID, s)
	case s.timer != nil:
		c.arm(newID, s)
	}
}

// Cancel drops the pending write for noteID without flushing it. A write
// already in flight is not interrupted; its result is discarded.
func (c *Coalescer) Cancel(noteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[noteID]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.slots, noteID)
	}
}

// CancelAll drops every pending write without flushing.
func (c *Coalescer) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.slots {
		if s.timer != nil {
			s.timer.Stop()
		}
		if !s.queued.IsEmpty() {
			n++
		}
		delete(c.slots, id)
	}
	return n
}

// Flush fires every queued write now instead of waiting for its window.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.slots {
		c.flushSlot(id, s)
	}
}

// FlushNote fires noteID's queued write now. Other notes keep their timers.
func (c *Coalescer) FlushNote(noteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[noteID]; ok {
		c.flushSlot(noteID, s)
	}
}

// flushSlot stops the slot timer and launches its payload. Caller holds c.mu.
func (c *Coalescer) flushSlot(noteID string, s *slot) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	c.launch(noteID, s)
}

// Wait blocks until every launched flush has completed or ctx is done.
func (c *Coalescer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
