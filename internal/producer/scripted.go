// ABOUTME: Scripted producer that replays a fixed event sequence
// ABOUTME: Used by tests and the fake-producer command to exercise the pipeline

package producer

import (
	"context"
	"time"
)

// Scripted replays a fixed sequence of events, optionally pacing them.
// It honors cooperative cancellation between events.
type Scripted struct {
	Events []Event
	Delay  time.Duration
}

// Run streams the scripted events on a fresh channel.
func (s *Scripted) Run(ctx context.Context, req Request) (<-chan Event, error) {
	out := make(chan Event, len(s.Events))

	go func() {
		defer close(out)
		for _, ev := range s.Events {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			if req.Signal != nil && req.Signal.Tripped() {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
