// Package outcome fans reassignment outcomes out to subscribers. Outcomes are
// numbered from 1 and kept in a bounded replay buffer so reconnecting
// subscribers can resume from the last id they saw.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/loggingutil"
)

// DefaultBufferSize is the replay buffer capacity used when none is given.
const DefaultBufferSize = 64

const subscriberQueue = 16

// ErrClosed is returned once the hub has been closed.
var ErrClosed = errors.New("outcome: hub closed")

// Hub is an in-process outcome publisher with replay.
type Hub struct {
	logger   pslog.Logger
	capacity int

	mu      sync.Mutex
	nextID  int64
	ring    []api.Outcome
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Int64
}

// Subscription receives outcomes published after it was created.
type Subscription struct {
	hub  *Hub
	ch   chan api.Outcome
	once sync.Once
}

// NewHub constructs a hub retaining up to capacity outcomes for replay.
func NewHub(capacity int, logger pslog.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Hub{
		logger:   loggingutil.WithSubsystem(logger, "outcome"),
		capacity: capacity,
		ring:     make([]api.Outcome, 0, capacity),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish assigns the next id to o, buffers it and delivers it to every
// subscriber without blocking. Subscribers whose queue is full miss the
// outcome; they can recover it from Since.
func (h *Hub) Publish(ctx context.Context, o api.Outcome) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.nextID++
	o.ID = h.nextID
	if len(h.ring) == h.capacity {
		copy(h.ring, h.ring[1:])
		h.ring = h.ring[:len(h.ring)-1]
	}
	h.ring = append(h.ring, o)
	// Sends never block, and holding mu keeps Close from racing a send.
	delivered, slow := 0, 0
	for sub := range h.subs {
		select {
		case sub.ch <- o:
			delivered++
		default:
			slow++
		}
	}
	h.mu.Unlock()

	if slow > 0 {
		h.dropped.Add(int64(slow))
		h.logger.Warn("rcswitch.outcome.subscriber.slow", "outcome_id", o.ID, "txn_id", o.TxnID, "subscribers", slow)
	}
	h.logger.Debug("rcswitch.outcome.published", "outcome_id", o.ID, "event", o.Event, "txn_id", o.TxnID, "session", o.Session, "subscribers", delivered)
	return nil
}

// Subscribe registers a subscriber and returns the buffered outcomes with an
// id greater than lastID. Replay and subscription are atomic, so nothing
// published concurrently is missed or duplicated.
func (h *Hub) Subscribe(lastID int64) (*Subscription, []api.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}
	sub := &Subscription{hub: h, ch: make(chan api.Outcome, subscriberQueue)}
	h.subs[sub] = struct{}{}
	return sub, h.sinceLocked(lastID), nil
}

// Since returns buffered outcomes with an id greater than lastID.
func (h *Hub) Since(lastID int64) []api.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(lastID)
}

func (h *Hub) sinceLocked(lastID int64) []api.Outcome {
	var out []api.Outcome
	for _, o := range h.ring {
		if o.ID > lastID {
			out = append(out, o)
		}
	}
	return out
}

// Latest returns the most recent outcome, if any.
func (h *Hub) Latest() (api.Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return api.Outcome{}, false
	}
	return h.ring[len(h.ring)-1], true
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close closes every subscription and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for sub := range subs {
		sub.closeChannel()
	}
}

// C delivers outcomes. It is closed when the subscription or hub closes.
func (s *Subscription) C() <-chan api.Outcome { return s.ch }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.closeChannel()
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// WriteSSE renders o as one server-sent event using the outcome id as the
// event id and the outcome event name as the event type.
func WriteSSE(w io.Writer, o api.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("outcome: encode: %w", err)
	}
	if _, err := io.WriteString(w, "id: "+strconv.FormatInt(o.ID, 10)+"\nevent: "+o.Event+"\ndata: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n\n")
	return err
}
