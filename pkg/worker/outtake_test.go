package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOuttake_TakeMatchesID(t *testing.T) {
	o := NewOuttake(time.Minute)
	o.Put(Reply{ID: "1", Key: "a"})
	o.Put(Reply{ID: "2", Key: "b"})
	o.Put(Reply{ID: "3", Key: "a"})

	r, err := o.Take(context.Background(), "3")
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if r.ID != "3" || r.Key != "a" {
		t.Errorf("Take() = %+v, want ID 3 for key a", r)
	}

	// Non-matching replies stay queued.
	if got := o.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestOuttake_TakeWaitsForPut(t *testing.T) {
	o := NewOuttake(time.Minute)

	done := make(chan Reply, 1)
	go func() {
		r, err := o.Take(context.Background(), "wanted")
		if err != nil {
			t.Errorf("Take() error = %v", err)
		}
		done <- r
	}()

	// Same key, different submission: must not satisfy the waiter.
	o.Put(Reply{ID: "other", Key: "k"})
	time.Sleep(20 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("Take() returned %q before its reply arrived", r.ID)
	default:
	}

	o.Put(Reply{ID: "wanted", Key: "k"})
	select {
	case r := <-done:
		if r.ID != "wanted" {
			t.Errorf("Take() ID = %q, want wanted", r.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Take() did not wake up after Put")
	}

	if got := o.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 (the other reply)", got)
	}
}

func TestOuttake_TakeHonorsContext(t *testing.T) {
	o := NewOuttake(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Take(ctx, "never")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Take() error = %v, want DeadlineExceeded", err)
	}
}

func TestOuttake_AbandonedReplyGoesToLateHandler(t *testing.T) {
	o := NewOuttake(time.Minute)

	var (
		mu   sync.Mutex
		late []Reply
	)
	o.late = func(r Reply) {
		mu.Lock()
		late = append(late, r)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := o.Take(ctx, "slow"); err == nil {
		t.Fatal("Take() returned without a reply")
	}

	o.Put(Reply{ID: "slow", Key: "k"})

	if got := o.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0: late replies are never queued", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(late) != 1 || late[0].ID != "slow" {
		t.Fatalf("late replies = %+v, want the abandoned one", late)
	}
	if late[0].ArrivedAt.IsZero() {
		t.Error("late reply lost its arrival time")
	}
}

func TestOuttake_LateReplyNotHandedToNextWaiter(t *testing.T) {
	o := NewOuttake(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	o.Take(ctx, "first")

	done := make(chan Reply, 1)
	go func() {
		r, _ := o.Take(context.Background(), "second")
		done <- r
	}()

	o.Put(Reply{ID: "first", Key: "k"})
	o.Put(Reply{ID: "second", Key: "k"})

	select {
	case r := <-done:
		if r.ID != "second" {
			t.Errorf("second waiter got reply %q", r.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("second waiter never received its reply")
	}
}

func TestOuttake_ReapsUnclaimed(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOuttake(time.Minute)
	o.now = func() time.Time { return now }

	o.Put(Reply{ID: "old"})
	now = now.Add(2 * time.Minute)
	o.Put(Reply{ID: "new"})

	if got := o.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := o.Take(ctx, "old"); err == nil {
		t.Error("reaped reply was still handed out")
	}
}

func TestOuttake_ReapsAbandonedIDs(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOuttake(time.Minute)
	o.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Take(ctx, "gone")

	now = now.Add(2 * time.Minute)
	o.Put(Reply{ID: "other"})

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.abandoned) != 0 {
		t.Errorf("abandoned = %v, want expired marks dropped", o.abandoned)
	}
}

func TestOuttake_ManyWaiters(t *testing.T) {
	o := NewOuttake(time.Minute)
	ids := []string{"a", "b", "c", "d", "e"}

	results := make(chan string, len(ids))
	for _, id := range ids {
		go func(id string) {
			r, err := o.Take(context.Background(), id)
			if err != nil {
				t.Errorf("Take(%s) error = %v", id, err)
				return
			}
			results <- r.ID
		}(id)
	}

	// Put in reverse order so most waiters see a mismatch first.
	for i := len(ids) - 1; i >= 0; i-- {
		o.Put(Reply{ID: ids[i]})
	}

	seen := map[string]bool{}
	for range ids {
		select {
		case id := <-results:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d waiters received a reply", len(seen), len(ids))
		}
	}
	if o.Len() != 0 {
		t.Errorf("Len() = %d, want 0", o.Len())
	}
}
