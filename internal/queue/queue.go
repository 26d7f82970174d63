package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twinmind/twinmind-engine/internal/capture"
)

var (
	// ErrPersist wraps failures to write an entry to durable storage. The
	// entry is still held in memory.
	ErrPersist = errors.New("offline queue persistence failed")
	// ErrDrainInProgress is returned when DrainAll is called while another
	// drain is running.
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrNotFound        = errors.New("queue entry not found")
)

// Entry is a segment waiting for transcription.
type Entry struct {
	Segment      capture.Segment `json:"segment"`
	AttemptCount int             `json:"attemptCount"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	LastError    string          `json:"lastError,omitempty"`
}

// Persister is the durable backing for the queue.
type Persister interface {
	SaveEntry(ctx context.Context, e Entry) error
	MarkProcessed(ctx context.Context, sessionID string, seq int64) error
	MarkFailed(ctx context.Context, sessionID string, seq int64, reason string) error
	UpdateAttempts(ctx context.Context, sessionID string, seq int64, attempts int, lastErr string) error
	// PendingEntries returns unprocessed entries in enqueue order.
	PendingEntries(ctx context.Context) ([]Entry, error)
}

// DrainResult summarizes one DrainAll pass.
type DrainResult struct {
	Succeeded   []Entry `json:"succeeded"`
	StillFailed []Entry `json:"stillFailed"`
	Abandoned   []Entry `json:"abandoned"`
}

// Options configures a Queue.
type Options struct {
	// MaxAttempts abandons an entry after this many failed drain attempts.
	// Zero keeps entries until they succeed or are discarded.
	MaxAttempts int
	Now         func() time.Time
	Log         zerolog.Logger
}

// Queue is a FIFO of segments that could not be transcribed yet.
type Queue struct {
	persist     Persister
	maxAttempts int
	now         func() time.Time
	log         zerolog.Logger

	mu       sync.Mutex
	entries  []Entry
	draining atomic.Bool
}

// New creates a queue. A nil persister keeps entries in memory only.
func New(p Persister, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		persist:     p,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		log:         opts.Log.With().Str("component", "offline-queue").Logger(),
	}
}

// Enqueue appends seg. The entry is kept even when persisting it fails; the
// returned error then wraps ErrPersist.
func (q *Queue) Enqueue(ctx context.Context, seg capture.Segment) error {
	seg.State = capture.StateQueued
	e := Entry{Segment: seg, EnqueuedAt: q.now()}

	q.mu.Lock()
	if q.indexLocked(seg.SessionID, seg.SequenceIndex) >= 0 {
		q.mu.Unlock()
		return nil
	}
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	q.log.Info().
		Str("session_id", seg.SessionID).
		Int64("seq", seg.SequenceIndex).
		Int("depth", depth).
		Msg("segment queued")

	if q.persist == nil {
		return nil
	}
	if err := q.persist.SaveEntry(ctx, e); err != nil {
		q.log.Warn().Err(err).Int64("seq", seg.SequenceIndex).Msg("failed to persist queued segment")
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// DrainAll runs fn over a snapshot of the queue in FIFO order. Successes are
// removed; failures stay queued with AttemptCount incremented and do not stop
// the pass. Entries enqueued during the pass wait for the next one.
func (q *Queue) DrainAll(ctx context.Context, fn func(ctx context.Context, e Entry) error) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	snapshot := q.Entries()
	var res DrainResult
	if len(snapshot) == 0 {
		return res, nil
	}
	q.log.Info().Int("entries", len(snapshot)).Msg("drain started")

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sid, seq := e.Segment.SessionID, e.Segment.SequenceIndex

		err := fn(ctx, e)
		if err == nil {
			q.remove(sid, seq)
			e.Segment.State = capture.StateTranscribed
			res.Succeeded = append(res.Succeeded, e)
			q.persistErr(q.markProcessed(ctx, sid, seq), seq, "mark processed")
			continue
		}

		e.AttemptCount++
		e.LastError = err.Error()

		if q.maxAttempts > 0 && e.AttemptCount >= q.maxAttempts {
			q.remove(sid, seq)
			e.Segment.State = capture.StateFailed
			res.Abandoned = append(res.Abandoned, e)
			q.log.Error().Err(err).
				Str("session_id", sid).
				Int64("seq", seq).
				Int("attempts", e.AttemptCount).
				Msg("queued segment abandoned")
			q.persistErr(q.markFailed(ctx, sid, seq, e.LastError), seq, "mark failed")
			continue
		}

		q.update(e)
		res.StillFailed = append(res.StillFailed, e)
		q.log.Warn().Err(err).Int64("seq", seq).Int("attempts", e.AttemptCount).Msg("queued segment still failing")
		q.persistErr(q.updateAttempts(ctx, sid, seq, e.AttemptCount, e.LastError), seq, "update attempts")
	}

	q.log.Info().
		Int("succeeded", len(res.Succeeded)).
		Int("still_failed", len(res.StillFailed)).
		Int("abandoned", len(res.Abandoned)).
		Msg("drain complete")
	return res, nil
}

// Draining reports whether a drain pass is running.
func (q *Queue) Draining() bool { return q.draining.Load() }

// Load merges persisted pending entries into the queue, keeping enqueue
// order. Returns the number of entries added.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.persist == nil {
		return 0, nil
	}
	pending, err := q.persist.PendingEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending entries: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	var loaded []Entry
	for _, e := range pending {
		if q.indexLocked(e.Segment.SessionID, e.Segment.SequenceIndex) >= 0 {
			continue
		}
		e.Segment.State = capture.StateQueued
		loaded = append(loaded, e)
		added++
	}
	// Persisted entries predate anything enqueued in memory.
	q.entries = append(loaded, q.entries...)
	if added > 0 {
		q.log.Info().Int("entries", added).Msg("reloaded persisted queue")
	}
	return added, nil
}

// Discard removes an entry as a permanent failure.
func (q *Queue) Discard(ctx context.Context, sessionID string, seq int64) error {
	if !q.remove(sessionID, seq) {
		return ErrNotFound
	}
	q.log.Warn().Str("session_id", sessionID).Int64("seq", seq).Msg("queued segment discarded")
	if err := q.markFailed(ctx, sessionID, seq, "discarded"); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// Entries returns a copy of the queue in FIFO order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) indexLocked(sessionID string, seq int64) int {
	for i, e := range q.entries {
		if e.Segment.SessionID == sessionID && e.Segment.SequenceIndex == seq {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(sessionID string, seq int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(sessionID, seq)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return true
}

func (q *Queue) update(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(e.Segment.SessionID, e.Segment.SequenceIndex); i >= 0 {
		q.entries[i] = e
	}
}

func (q *Queue) persistErr(err error, seq int64, op string) {
	if err != nil {
		q.log.Warn().Err(err).Int64("seq", seq).Str("op", op).Msg("queue persistence failed")
	}
}

func (q *Queue) markProcessed(ctx context.Context, sid string, seq int64) error {
	if q.persist == nil {
		return nil
	}
	return q.persist.MarkProcessed(ctx, sid, seq)
}

func (q *Queue) markFailed(ctx context.Context, sid string, seq int64, reason string) error {
	if q.persist == nil {
		return nil
	}
	return q.persist.MarkFailed(ctx, sid, seq, reason)
}

func (q *Queue) updateAttempts(ctx context.Context, sid string, seq int64, attempts int, lastErr string) error {
	if q.persist == nil {
		return nil
	}
	return q.persist.UpdateAttempts(ctx, sid, seq, attempts, lastErr)
}
