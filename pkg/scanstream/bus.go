// Package scanstream fans out per-mass scan results to live listeners.
package scanstream

import (
	"context"

	"axion-gas-scan/pkg/massscan"
)

// Update is one finished probability point on its way to the monitor page.
type Update struct {
	Field string
	Gas   string
	Done  int // points finished for this field/gas pair so far
	Total int
	Point massscan.Point
}

// Bus fan-outs updates to subscribed listeners without locks.
// Channels keep the scan workers and the monitor decoupled so a slow
// browser never stalls the numerics.
type Bus struct {
	publish     chan Update
	subscribe   chan subscription
	unsubscribe chan subscription
}

type subscription struct {
	field string // "" listens to every field
	ch    chan Update
}

// NewBus constructs a broadcaster dedicated to scan fan-out.
// The goroutine never stops because it is tied to the process lifetime and
// relies on caller contexts to prune subscribers.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Update, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
	}

	go b.run()
	return b
}

// Publish forwards an update to listeners on the same field plus the
// listen-to-everything subscribers. Non-blocking sends avoid stalling the
// scan when clients are slow or absent.
func (b *Bus) Publish(u Update) {
	select {
	case b.publish <- u:
	default:
	}
}

// Subscribe registers interest in updates for one field, or all fields
// when field is empty. The returned channel closes when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, field string, buffer int) <-chan Update {
	ch := make(chan Update, buffer)
	req := subscription{field: field, ch: ch}

	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(ch)
	}()

	return ch
}

func (b *Bus) run() {
	listeners := make(map[string][]chan Update)

	for {
		select {
		case req := <-b.subscribe:
			listeners[req.field] = append(listeners[req.field], req.ch)
		case req := <-b.unsubscribe:
			chans := listeners[req.field]
			filtered := chans[:0]
			for _, existing := range chans {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			if len(filtered) == 0 {
				delete(listeners, req.field)
			} else {
				listeners[req.field] = filtered
			}
		case u := <-b.publish:
			for _, ch := range listeners[u.Field] {
				select {
				case ch <- u:
				default:
				}
			}
			if u.Field != "" {
				for _, ch := range listeners[""] {
					select {
					case ch <- u:
					default:
					}
				}
			}
		}
	}
}
