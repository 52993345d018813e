package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type subscription struct {
	name    string
	handler Handler
}

// Dispatcher routes events to the handlers subscribed to their type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[Type][]subscription{}}
}

// Subscribe registers handler under name for t. Names only label logs and errors.
func (d *Dispatcher) Subscribe(t Type, name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], subscription{name: name, handler: handler})
}

// Subscribers returns the handler names registered for t.
func (d *Dispatcher) Subscribers(t Type) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers[t]))
	for _, sub := range d.handlers[t] {
		names = append(names, sub.name)
	}
	return names
}

// Dispatch runs every handler for the event type. A failing handler does not
// stop the others; the joined error makes the whole event retry.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) error {
	d.mu.RLock()
	subs := append([]subscription(nil), d.handlers[evt.EventType]...)
	d.mu.RUnlock()

	var errs error
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return errors.Join(errs, err)
		}
		if err := sub.handler(ctx, evt); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	return errs
}
