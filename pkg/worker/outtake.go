package worker

import (
	"context"
	"sync"
	"time"
)

// Outtake is the result queue shared by every caller of a Pool.
//
// Take hands out the reply for one task ID and leaves everything else queued
// for the callers waiting on those IDs. Waiters sleep on a broadcast channel
// that is closed and replaced on every Put.
//
// A waiter that gives up abandons its ID. The reply for an abandoned ID is
// never queued; it goes to the late handler instead.
type Outtake struct {
	mu        sync.Mutex
	replies   []Reply
	abandoned map[string]time.Time
	notify    chan struct{}
	retention time.Duration
	now       func() time.Time
	late      func(Reply)
}

// NewOuttake creates an outtake. Replies nobody claims within retention are
// dropped on a later Put; a non-positive retention keeps them forever.
func NewOuttake(retention time.Duration) *Outtake {
	return &Outtake{
		abandoned: make(map[string]time.Time),
		notify:    make(chan struct{}),
		retention: retention,
		now:       time.Now,
	}
}

// Put queues a reply and wakes every waiter.
func (o *Outtake) Put(r Reply) {
	o.mu.Lock()

	if r.ArrivedAt.IsZero() {
		r.ArrivedAt = o.now()
	}

	if _, gone := o.abandoned[r.ID]; gone {
		delete(o.abandoned, r.ID)
		o.mu.Unlock()
		o.handOff(r)
		return
	}

	o.reap()
	o.replies = append(o.replies, r)
	unclaimedReplies.Set(float64(len(o.replies)))

	close(o.notify)
	o.notify = make(chan struct{})
	o.mu.Unlock()
}

// Take blocks until the reply for id is queued or ctx is done. When ctx ends
// first, id is abandoned.
func (o *Outtake) Take(ctx context.Context, id string) (Reply, error) {
	for {
		o.mu.Lock()
		if r, ok := o.remove(id); ok {
			o.mu.Unlock()
			return r, nil
		}
		wake := o.notify
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			o.abandon(id)
			return Reply{}, ctx.Err()
		case <-wake:
		}
	}
}

// Len returns the number of unclaimed replies.
func (o *Outtake) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.replies)
}

// abandon marks id as no longer awaited. A reply that slipped in after the
// last scan is handed off at once.
func (o *Outtake) abandon(id string) {
	o.mu.Lock()
	r, ok := o.remove(id)
	if !ok {
		o.abandoned[id] = o.now()
	}
	o.mu.Unlock()

	if ok {
		o.handOff(r)
	}
}

func (o *Outtake) handOff(r Reply) {
	lateRepliesTotal.Inc()
	if o.late != nil {
		o.late(r)
	}
}

// remove takes the reply for id out of the queue. Must be called with mu held.
func (o *Outtake) remove(id string) (Reply, bool) {
	for i, r := range o.replies {
		if r.ID == id {
			o.replies = append(o.replies[:i], o.replies[i+1:]...)
			unclaimedReplies.Set(float64(len(o.replies)))
			return r, true
		}
	}
	return Reply{}, false
}

// reap drops replies and abandoned IDs older than the retention.
// Must be called with mu held.
func (o *Outtake) reap() {
	if o.retention <= 0 {
		return
	}

	now := o.now()
	for id, at := range o.abandoned {
		if now.Sub(at) > o.retention {
			delete(o.abandoned, id)
		}
	}

	if len(o.replies) == 0 {
		return
	}
	kept := o.replies[:0]
	for _, r := range o.replies {
		if now.Sub(r.ArrivedAt) <= o.retention {
			kept = append(kept, r)
			continue
		}
		repliesReapedTotal.Inc()
	}
	clear(o.replies[len(kept):])
	o.replies = kept
}
