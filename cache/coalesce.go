package cache

import (
	"errors"
	"sync"
)

// ErrTooManyWaiters is returned by Acquire when a slot already has
// max_waiters subscribers. Per §4.4 the recommended handling is
// log-and-fall-through: the caller should treat this as an uncoalesced
// miss rather than failing the request.
var ErrTooManyWaiters = errors.New("cache: coalescer slot at capacity")

// ErrCancelled is the outcome error delivered to waiters when the leader
// drops its guard without completing it (panic, cancellation).
var ErrCancelled = errors.New("cache: coalescer leader cancelled")

// Outcome is what a leader publishes and every waiter receives — a clone
// of the successful response envelope, or an error.
type Outcome struct {
	Value any
	Err   error
}

// Coalescer is the singleflight mechanism of §4.4: at most one in-flight
// fetch per key, with the outcome broadcast to every waiter exactly once.
//
// Unlike golang.org/x/sync/singleflight.Group (used elsewhere in this
// module for simpler dedupe — see pipeline's background refresh), this
// type exposes an explicit Leader/Waiter split with a bounded waiter count
// and drop-without-complete semantics, neither of which singleflight.Group
// supports.
type Coalescer struct {
	maxWaiters int

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	done    chan struct{}
	result  Outcome
	waiters int
}

// NewCoalescer creates a coalescer. maxWaiters <= 0 means unbounded.
func NewCoalescer(maxWaiters int) *Coalescer {
	return &Coalescer{
		maxWaiters: maxWaiters,
		slots:      make(map[string]*slot),
	}
}

// Guard is held by the leader of a coalescer slot. Complete must be called
// exactly once; if it never is (panic, early return), call Cancel in a
// defer so waiters are not left blocked forever.
type Guard struct {
	c         *Coalescer
	key       string
	slot      *slot
	completed bool
}

// Acquire implements try_acquire: the first caller for key becomes the
// leader and receives a non-nil Guard; subsequent callers receive a
// receive-only channel that yields exactly one Outcome when the leader
// publishes. A caller arriving after the slot is removed becomes the new
// leader — no caller is starved.
func (c *Coalescer) Acquire(key string) (guard *Guard, wait <-chan Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.slots[key]
	if !exists {
		s = &slot{done: make(chan struct{})}
		c.slots[key] = s
		return &Guard{c: c, key: key, slot: s}, nil, nil
	}

	if c.maxWaiters > 0 && s.waiters >= c.maxWaiters {
		return nil, nil, ErrTooManyWaiters
	}
	s.waiters++
	ch := make(chan Outcome, 1)
	go s.deliverWhenDone(ch)
	return nil, ch, nil
}

// deliverWhenDone waits for the slot to complete and forwards the result
// to a single waiter's channel, then closes it.
func (s *slot) deliverWhenDone(ch chan<- Outcome) {
	<-s.done
	ch <- s.result
	close(ch)
}

// Complete publishes outcome to every current and future-arriving (within
// the narrow race window) waiter and removes the slot from the index. It
// is safe to call at most once; subsequent calls panic, matching the
// single-publish contract of §4.4.
func (g *Guard) Complete(outcome Outcome) {
	if g.completed {
		panic("cache: coalescer guard completed twice")
	}
	g.completed = true

	g.c.mu.Lock()
	if g.c.slots[g.key] == g.slot {
		delete(g.c.slots, g.key)
	}
	g.c.mu.Unlock()

	g.slot.result = outcome
	close(g.slot.done)
}

// Cancel is the Drop-without-complete path: waiters receive ErrCancelled.
// Safe to call after Complete (no-op) so it can always be deferred.
func (g *Guard) Cancel() {
	if g.completed {
		return
	}
	g.Complete(Outcome{Err: ErrCancelled})
}

// InFlight reports the number of keys currently being coalesced. Useful
// for the admin surface's coalesce_stats().
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Stats summarises coalescer activity for the admin surface.
type CoalesceStats struct {
	InFlightKeys int
}

func (c *Coalescer) Stats() CoalesceStats {
	return CoalesceStats{InFlightKeys: c.InFlight()}
}
