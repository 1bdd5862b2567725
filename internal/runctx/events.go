package runctx

import (
	"fmt"
	"time"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Event is a structured notification emitted during a run: state
// transitions, fallback decisions, diagnostics. The core does no
// formatting; collectors subscribe and render elsewhere.
type Event struct {
	RunID     string         `json:"run_id"`
	Step      string         `json:"step,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives events synchronously, in registration order.
type Handler func(Event) error

type subscription struct {
	id      int
	handler Handler
}

// Subscribe registers a handler invoked for every event emitted on this
// run. Handlers run in registration order. The returned function removes
// the subscription.
func (c *Context) Subscribe(h Handler) func() {
	root := c.root
	root.emitMu.Lock()
	root.nextSubID++
	id := root.nextSubID
	root.handlers = append(root.handlers, subscription{id: id, handler: h})
	root.emitMu.Unlock()

	return func() {
		root.emitMu.Lock()
		defer root.emitMu.Unlock()
		for i, sub := range root.handlers {
			if sub.id == id {
				root.handlers = append(root.handlers[:i], root.handlers[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to all handlers in registration order. Two
// emissions never interleave their handler invocations. A handler error or
// panic is caught and reported as a diagnostic event; it never aborts the
// run or stops delivery to later handlers.
func (c *Context) Emit(event Event) {
	root := c.root
	if event.RunID == "" {
		event.RunID = root.runID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	root.emitMu.Lock()
	defer root.emitMu.Unlock()
	root.dispatchLocked(event, true)
}

// dispatchLocked runs the handler chain. reportFailures guards against
// recursion: diagnostics raised while delivering a diagnostic are dropped.
func (c *Context) dispatchLocked(event Event, reportFailures bool) {
	for _, sub := range c.handlers {
		err := invokeHandler(sub.handler, event)
		if err != nil && reportFailures {
			c.dispatchLocked(Event{
				RunID: c.runID,
				Step:  event.Step,
				Type:  schema.EventDiagnostic,
				Payload: map[string]any{
					"source_event": event.Type,
					"error":        err.Error(),
				},
				Timestamp: time.Now().UTC(),
			}, false)
		}
	}
}

func invokeHandler(h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(event)
}
