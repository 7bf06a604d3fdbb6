// Package lifecycle exposes engine notices as a lifecycle.Source so a
// lifecycle-managed process can react to note changes.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/notesync/pkg/engine"
)

// Subscriber is the part of the engine the source reads from.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan engine.Notice
}

type noticeSource struct {
	engine Subscriber
	out    chan lifecycle.Event
}

// NewSource creates a lifecycle.Source that emits the engine's notices.
// The subscription is opened on Start and ends with its context.
func NewSource(e Subscriber) lifecycle.Source {
	return &noticeSource{
		engine: e,
		out:    make(chan lifecycle.Event),
	}
}

func (s *noticeSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *noticeSource) Start(ctx context.Context) error {
	notices := s.engine.Subscribe(ctx)
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-notices:
				if !ok {
					return nil
				}
				select {
				case s.out <- n:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}
