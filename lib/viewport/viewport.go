// Package viewport carries visibility signals for embed zones. The
// browser reports intersection events for two zones per embed (a
// wide-margin preload zone and a tight-threshold active zone); this
// package fans those events out to whoever drives playback from them.
package viewport

import "sync"

// Event is a single intersection observation for one zone.
type Event struct {
	Intersecting bool    `json:"intersecting"`
	Ratio        float64 `json:"ratio"`
}

// Handler receives zone events. Handlers are invoked synchronously on
// the publishing goroutine.
type Handler func(Event)

// Feed is a push-based observer for a single zone of a single embed.
// It remembers the last published event and replays it to late
// subscribers, matching observer APIs that fire an initial observation.
type Feed struct {
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	last     Event
	seen     bool
}

func NewFeed() *Feed {
	return &Feed{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns a cancel func detaching it.
// If an event was already published the handler is invoked with it
// immediately.
func (f *Feed) Subscribe(h Handler) (cancel func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	replay, seen := f.last, f.seen
	f.mu.Unlock()

	if seen {
		h(replay)
	}
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

// Publish records the event and delivers it to all subscribers.
func (f *Feed) Publish(e Event) {
	f.mu.Lock()
	f.last = e
	f.seen = true
	hs := make([]Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(e)
	}
}

// Last returns the most recent event and whether one was published yet.
// Async continuations use this to re-check current zone membership
// before acting on a stale result.
func (f *Feed) Last() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.seen
}

// Zones bundles the two observers attached to one embed.
type Zones struct {
	Preload *Feed
	Active  *Feed
}

// NewZones creates an empty pair of zone feeds.
func NewZones() Zones {
	return Zones{Preload: NewFeed(), Active: NewFeed()}
}
