package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/torctl/internal/protocol"
	"github.com/rs/zerolog"
)

// Listener receives parsed notifications in arrival order.
type Listener func(protocol.Event)

type listener struct {
	category string
	fn       Listener
}

// Dispatcher owns the subscription registry and delivers events to listeners.
type Dispatcher struct {
	queue   *Queue
	routing EventRouting
	log     zerolog.Logger
	obs     Observer

	subMu sync.Mutex

	mu         sync.Mutex
	categories []string
	registered map[string]bool
	listeners  []listener
	backlog    []protocol.Event

	notify chan struct{}
}

func NewDispatcher(queue *Queue, routing EventRouting, logger zerolog.Logger, obs Observer) *Dispatcher {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Dispatcher{
		queue:      queue,
		routing:    routing,
		log:        logger,
		obs:        obs,
		registered: make(map[string]bool),
		notify:     make(chan struct{}, 1),
	}
}

func normalizeCategory(category string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(category))
	if c == "" || strings.ContainsAny(c, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return c, nil
}

// Subscribe registers fn for category. A category not yet enabled on the
// backend is enabled first with SETEVENTS carrying every registered category;
// on failure the listener is not registered.
func (d *Dispatcher) Subscribe(ctx context.Context, category string, fn Listener) error {
	c, err := normalizeCategory(category)
	if err != nil {
		return err
	}
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.mu.Lock()
	known := d.registered[c]
	if known {
		d.listeners = append(d.listeners, listener{category: c, fn: fn})
	}
	want := append(append([]string(nil), d.categories...), c)
	d.mu.Unlock()
	if known {
		return nil
	}

	if err := d.setEvents(ctx, want); err != nil {
		d.log.Warn().Err(err).Str("category", c).Msg("subscribe failed")
		return err
	}

	d.mu.Lock()
	d.registered[c] = true
	d.categories = append(d.categories, c)
	d.listeners = append(d.listeners, listener{category: c, fn: fn})
	d.mu.Unlock()
	d.log.Info().Str("category", c).Strs("categories", want).Msg("subscribed")
	return nil
}

// Resubscribe re-enables every registered category on a fresh connection.
func (d *Dispatcher) Resubscribe(ctx context.Context) error {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	cats := d.Categories()
	if len(cats) == 0 {
		return nil
	}
	return d.setEvents(ctx, cats)
}

func (d *Dispatcher) setEvents(ctx context.Context, categories []string) error {
	cmd := NewCommand("SETEVENTS", categories...).WithPriority(PriorityVeryHigh)
	lines, err := d.queue.Do(ctx, cmd)
	if err != nil {
		return err
	}
	return protocol.CheckOK(lines)
}

// Categories returns the enabled categories in subscription order.
func (d *Dispatcher) Categories() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.categories...)
}

// Dispatch parses notification lines and queues the events for delivery.
func (d *Dispatcher) Dispatch(lines []protocol.Response) {
	events, dropped := protocol.ParseEvents(lines)
	if dropped > 0 {
		d.log.Debug().Int("count", dropped).Msg("malformed notifications dropped")
		d.obs.LinesDropped(dropped)
	}
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.backlog = append(d.backlog, events...)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		}
		for {
			d.mu.Lock()
			if len(d.backlog) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.backlog[0]
			d.backlog[0] = protocol.Event{}
			d.backlog = d.backlog[1:]
			targets := d.targets(ev.Category)
			d.mu.Unlock()

			d.obs.EventDispatched(ev.Category)
			for _, fn := range targets {
				fn(ev)
			}
		}
	}
}

// targets must be called with d.mu held.
func (d *Dispatcher) targets(category string) []Listener {
	out := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		if l.fn == nil || (d.routing == RouteByCategory && l.category != category) {
			continue
		}
		out = append(out, l.fn)
	}
	return out
}
