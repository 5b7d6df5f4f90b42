// ABOUTME: Echo producer for development and demos
// ABOUTME: Streams the user's input back in chunks without a real provider

package producer

import (
	"context"
	"fmt"
	"time"
)

// Echo is a development producer that streams the user's message back in
// small chunks. It exercises the full event contract: analysis, tokens,
// an authoritative final text, and a terminal complete.
type Echo struct {
	ChunkSize int           // bytes per token event, default 8
	Delay     time.Duration // pause between chunks, default 50ms
}

// Run streams the echoed reply.
func (e *Echo) Run(ctx context.Context, req Request) (<-chan Event, error) {
	chunk := e.ChunkSize
	if chunk <= 0 {
		chunk = 8
	}
	delay := e.Delay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(Event{Type: EventAnalysis, Content: fmt.Sprintf("echoing %d bytes\n", len(req.Input))}) {
			return
		}

		reply := "You said: " + req.Input
		for i := 0; i < len(reply); i += chunk {
			if req.Signal != nil && req.Signal.Tripped() {
				send(Event{Type: EventComplete})
				return
			}
			end := min(i+chunk, len(reply))
			if !send(Event{Type: EventToken, Content: reply[i:end]}) {
				return
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		send(Event{Type: EventFinal, Content: reply})
		send(Event{Type: EventComplete})
	}()

	return out, nil
}
