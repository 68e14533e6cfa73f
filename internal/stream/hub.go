package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrChannelRetired is returned by Next once a channel's history has been
// dropped by the retention sweep.
var ErrChannelRetired = errors.New("stream: channel retired")

// ChannelKey builds the channel name for a task. Channels are scoped per
// (user, service, task) so reconnecting readers land on the same topic.
func ChannelKey(userID, serviceID, taskID string) string {
	return fmt.Sprintf("%s/%s/%s", userID, serviceID, taskID)
}

// Hub owns all live task channels.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Channel

	now func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*Channel),
		now:      time.Now,
	}
}

// SetNow swaps the hub's clock. Channels created afterwards use it; meant
// for tests driving the retention sweep.
func (h *Hub) SetNow(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// Channel returns the channel for key, creating it on first use.
func (h *Hub) Channel(key string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.channels[key]
	if !ok {
		c = newChannel(h.now)
		h.channels[key] = c
	}
	return c
}

// Lookup returns the channel for key without creating it.
func (h *Hub) Lookup(key string) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[key]
	return c, ok
}

// SweepRetired drops channels whose terminal event is older than retention,
// and channels that never reached a terminal but have had no activity for
// that long: abandoned streams, or channels opened by readers probing task
// ids no task ever used. Recently-finished channels are kept so late readers
// can still replay the terminal outcome.
func (h *Hub) SweepRetired(retention time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-retention)
	removed := 0
	for key, c := range h.channels {
		if c.retire(cutoff) {
			delete(h.channels, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live channels.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Channel is one append-ordered event topic. History is retained in full
// until the retention sweep retires the channel, so a reader joining from
// the start replays everything earlier readers saw, in the same order.
type Channel struct {
	mu         sync.Mutex
	history    []Event
	nextSeq    int64
	notify     chan struct{}
	terminalAt time.Time
	lastAt     time.Time
	retired    bool

	now func() time.Time
}

func newChannel(now func() time.Time) *Channel {
	return &Channel{
		nextSeq: 1,
		notify:  make(chan struct{}),
		lastAt:  now(),
		now:     now,
	}
}

// Publish appends ev to the channel, assigning the sequence number and
// timestamp, and wakes all blocked readers. Events published after a
// terminal event are still appended (the executor contract forbids them,
// but readers stop at the terminal regardless).
func (c *Channel) Publish(ev Event) Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev.Seq = c.nextSeq
	c.nextSeq++
	ev.At = c.now()
	c.lastAt = ev.At
	c.history = append(c.history, ev)
	if ev.Terminal() && c.terminalAt.IsZero() {
		c.terminalAt = ev.At
	}

	close(c.notify)
	c.notify = make(chan struct{})
	return ev
}

// Subscribe opens an independent cursor. fromLatest skips the retained
// history and yields only events published after this call; otherwise the
// cursor starts at the beginning of history. Subscriptions never affect
// each other's position.
func (c *Channel) Subscribe(fromLatest bool) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	cursor := 0
	if fromLatest {
		cursor = len(c.history)
	}
	return &Subscription{channel: c, cursor: cursor}
}

// History returns a snapshot of the retained events.
func (c *Channel) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.history))
	copy(out, c.history)
	return out
}

// Terminated reports whether a terminal event has been published.
func (c *Channel) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.terminalAt.IsZero()
}

// retire marks the channel dead when its terminal event predates cutoff.
// A channel with no terminal is judged by its last publish (or creation,
// when nothing was ever published).
func (c *Channel) retire(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.terminalAt
	if last.IsZero() {
		last = c.lastAt
	}
	if last.After(cutoff) {
		return false
	}
	c.retired = true
	c.history = nil
	close(c.notify)
	c.notify = make(chan struct{})
	return true
}

// Subscription is a cursor over one channel.
type Subscription struct {
	channel *Channel
	cursor  int
}

// Next blocks until an event is available at the cursor, the context is
// canceled, or the channel is retired. Events are delivered in publish
// order with no gaps or duplicates.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	c := s.channel
	for {
		c.mu.Lock()
		if s.cursor < len(c.history) {
			ev := c.history[s.cursor]
			s.cursor++
			c.mu.Unlock()
			return ev, nil
		}
		if c.retired {
			c.mu.Unlock()
			return Event{}, ErrChannelRetired
		}
		notify := c.notify
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-notify:
		}
	}
}
