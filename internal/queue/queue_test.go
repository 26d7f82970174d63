package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/twinmind/twinmind-engine/internal/capture"
)

type fakePersister struct {
	mu        sync.Mutex
	saved     []Entry
	processed []int64
	failed    []int64
	attempts  map[int64]int
	saveErr   error
}

func (f *fakePersister) SaveEntry(ctx context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, e)
	return nil
}

func (f *fakePersister) MarkProcessed(ctx context.Context, sid string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, seq)
	return nil
}

func (f *fakePersister) MarkFailed(ctx context.Context, sid string, seq int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, seq)
	return nil
}

func (f *fakePersister) UpdateAttempts(ctx context.Context, sid string, seq int64, attempts int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = make(map[int64]int)
	}
	f.attempts[seq] = attempts
	return nil
}

func (f *fakePersister) PendingEntries(ctx context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	done := map[int64]bool{}
	for _, s := range f.processed {
		done[s] = true
	}
	for _, s := range f.failed {
		done[s] = true
	}
	var out []Entry
	for _, e := range f.saved {
		if !done[e.Segment.SequenceIndex] {
			out = append(out, e)
		}
	}
	return out, nil
}

func seg(seq int64) capture.Segment {
	return capture.Segment{SessionID: "s1", SequenceIndex: seq, SourceHandle: "s1/x.flac", State: capture.StatePending}
}

func newTestQueue(p Persister, maxAttempts int) *Queue {
	return New(p, Options{MaxAttempts: maxAttempts, Log: zerolog.Nop()})
}

func seqs(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Segment.SequenceIndex
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("marks_queued_and_persists", func(t *testing.T) {
		p := &fakePersister{}
		q := newTestQueue(p, 0)
		if err := q.Enqueue(ctx, seg(1)); err != nil {
			t.Fatal(err)
		}
		entries := q.Entries()
		if len(entries) != 1 || entries[0].Segment.State != capture.StateQueued {
			t.Errorf("entries = %+v", entries)
		}
		if len(p.saved) != 1 {
			t.Errorf("persisted %d entries, want 1", len(p.saved))
		}
	})

	t.Run("duplicate_ignored", func(t *testing.T) {
		q := newTestQueue(nil, 0)
		q.Enqueue(ctx, seg(1))
		q.Enqueue(ctx, seg(1))
		if q.Len() != 1 {
			t.Errorf("Len = %d, want 1", q.Len())
		}
	})

	t.Run("persist_failure_keeps_entry", func(t *testing.T) {
		q := newTestQueue(&fakePersister{saveErr: errors.New("disk full")}, 0)
		err := q.Enqueue(ctx, seg(1))
		if !errors.Is(err, ErrPersist) {
			t.Fatalf("err = %v, want ErrPersist", err)
		}
		if q.Len() != 1 {
			t.Errorf("Len = %d, want 1", q.Len())
		}
	})
}

func TestDrainAllFIFOWithStuckEntry(t *testing.T) {
	ctx := context.Background()
	p := &fakePersister{}
	q := newTestQueue(p, 0)
	for _, s := range []int64{2, 1, 3} {
		q.Enqueue(ctx, seg(s))
	}

	var order []int64
	res, err := q.DrainAll(ctx, func(ctx context.Context, e Entry) error {
		order = append(order, e.Segment.SequenceIndex)
		if e.Segment.SequenceIndex == 1 {
			return errors.New("still offline")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if !equalSeqs(order, []int64{2, 1, 3}) {
		t.Errorf("drain order = %v, want enqueue order [2 1 3]", order)
	}
	if !equalSeqs(seqs(res.Succeeded), []int64{2, 3}) {
		t.Errorf("succeeded = %v", seqs(res.Succeeded))
	}
	if !equalSeqs(seqs(res.StillFailed), []int64{1}) || res.StillFailed[0].AttemptCount != 1 {
		t.Errorf("still failed = %+v", res.StillFailed)
	}
	remaining := q.Entries()
	if len(remaining) != 1 || remaining[0].AttemptCount != 1 || remaining[0].LastError != "still offline" {
		t.Errorf("remaining = %+v", remaining)
	}
	if p.attempts[1] != 1 {
		t.Errorf("persisted attempts = %d, want 1", p.attempts[1])
	}
	if !equalSeqs(p.processed, []int64{2, 3}) {
		t.Errorf("processed = %v", p.processed)
	}
}

func TestDrainAllMaxAttempts(t *testing.T) {
	ctx := context.Background()
	p := &fakePersister{}
	q := newTestQueue(p, 2)
	q.Enqueue(ctx, seg(1))

	fail := func(ctx context.Context, e Entry) error { return errors.New("nope") }

	res, _ := q.DrainAll(ctx, fail)
	if len(res.StillFailed) != 1 || len(res.Abandoned) != 0 {
		t.Fatalf("first pass = %+v", res)
	}
	res, _ = q.DrainAll(ctx, fail)
	if len(res.Abandoned) != 1 || res.Abandoned[0].Segment.State != capture.StateFailed {
		t.Fatalf("second pass = %+v", res)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if !equalSeqs(p.failed, []int64{1}) {
		t.Errorf("failed = %v", p.failed)
	}
}

func TestDrainAllCoalesced(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(nil, 0)
	q.Enqueue(ctx, seg(1))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.DrainAll(ctx, func(ctx context.Context, e Entry) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	if !q.Draining() {
		t.Error("Draining = false during drain")
	}
	if _, err := q.DrainAll(ctx, func(context.Context, Entry) error { return nil }); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("concurrent drain err = %v, want ErrDrainInProgress", err)
	}
	// Enqueued mid-drain: not part of the snapshot, still queued after.
	q.Enqueue(ctx, seg(2))
	close(release)
	<-done

	remaining := q.Entries()
	if !equalSeqs(seqs(remaining), []int64{2}) {
		t.Errorf("remaining = %v, want [2]", seqs(remaining))
	}
}

func TestDrainAllEmpty(t *testing.T) {
	q := newTestQueue(nil, 0)
	called := false
	res, err := q.DrainAll(context.Background(), func(context.Context, Entry) error {
		called = true
		return nil
	})
	if err != nil || called || len(res.Succeeded) != 0 {
		t.Errorf("empty drain = (%+v, %v), called = %v", res, err, called)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	p := &fakePersister{}
	first := newTestQueue(p, 0)
	first.Enqueue(ctx, seg(1))
	first.Enqueue(ctx, seg(2))
	first.DrainAll(ctx, func(ctx context.Context, e Entry) error {
		if e.Segment.SequenceIndex == 1 {
			return nil
		}
		return errors.New("offline")
	})

	// A fresh process reloads only what was not processed.
	second := New(p, Options{Log: zerolog.Nop(), Now: func() time.Time { return time.Unix(0, 0) }})
	second.Enqueue(ctx, seg(5))
	n, err := second.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("loaded %d, want 1", n)
	}
	if got := seqs(second.Entries()); !equalSeqs(got, []int64{2, 5}) {
		t.Errorf("entries = %v, want [2 5]", got)
	}
	if n, _ := second.Load(ctx); n != 0 {
		t.Errorf("second Load added %d, want 0", n)
	}
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	p := &fakePersister{}
	q := newTestQueue(p, 0)
	q.Enqueue(ctx, seg(1))

	if err := q.Discard(ctx, "s1", 1); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 || !equalSeqs(p.failed, []int64{1}) {
		t.Errorf("Len = %d, failed = %v", q.Len(), p.failed)
	}
	if err := q.Discard(ctx, "s1", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Discard err = %v, want ErrNotFound", err)
	}
}
