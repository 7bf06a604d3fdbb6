package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// NoticeKind says what a Notice reports.
type NoticeKind string

const (
	// NoticeChanged means a note's cached value changed. OldID is set when a
	// provisional id was replaced by the store's id.
	NoticeChanged NoticeKind = "changed"
	// NoticeRemoved means a note left the cache.
	NoticeRemoved NoticeKind = "removed"
	// NoticeSession means the principal changed. Principal is empty on sign-out.
	NoticeSession NoticeKind = "session"
	// NoticeError carries a background failure.
	NoticeError NoticeKind = "error"
)

// Notice tells the UI that something it renders may have changed.
type Notice struct {
	Kind      NoticeKind
	NoteID    string
	OldID     string
	Principal string
	Err       error
}

// String implements fmt.Stringer.
func (n Notice) String() string {
	switch {
	case n.Err != nil:
		return string(n.Kind) + " " + n.Err.Error()
	case n.Kind == NoticeSession:
		return string(n.Kind) + " " + n.Principal
	case n.OldID != "":
		return string(n.Kind) + " " + n.OldID + " -> " + n.NoteID
	default:
		return string(n.Kind) + " " + n.NoteID
	}
}

// notifier fans notices out to subscribers without ever blocking the
// publisher. A subscriber that falls behind loses notices.
type notifier struct {
	mu      sync.Mutex
	size    int
	subs    map[chan Notice]struct{}
	closed  bool
	dropped atomic.Int64
}

func newNotifier(size int) *notifier {
	return &notifier{size: size, subs: make(map[chan Notice]struct{})}
}

func (n *notifier) subscribe(ctx context.Context) <-chan Notice {
	ch := make(chan Notice, n.size)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
	}()
	return ch
}

func (n *notifier) publish(nt Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- nt:
		default:
			n.dropped.Add(1)
		}
	}
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
}
