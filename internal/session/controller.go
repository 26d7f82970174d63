package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/twinmind/twinmind-engine/internal/capture"
	"github.com/twinmind/twinmind-engine/internal/connectivity"
	"github.com/twinmind/twinmind-engine/internal/metrics"
	"github.com/twinmind/twinmind-engine/internal/queue"
	"github.com/twinmind/twinmind-engine/internal/retry"
	"github.com/twinmind/twinmind-engine/internal/transcribe"
)

var (
	ErrAlreadyRunning = errors.New("session already active")
	ErrNotRecording   = errors.New("session not recording")
)

const (
	// DefaultSyncDisplayDelay is how long SyncComplete stays visible.
	DefaultSyncDisplayDelay = 2 * time.Second
	// DefaultRedrainInterval is the wait before draining again while online
	// entries remain queued.
	DefaultRedrainInterval = 30 * time.Second
)

// TranscriptStore persists a finished session transcript.
type TranscriptStore interface {
	InsertSession(ctx context.Context, sessionID, content string) (int64, error)
}

// BlobDeleter releases segment audio once its text is accepted.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Options wires a Controller. Device, Client, Queue and Connectivity are required.
type Options struct {
	Device       capture.Device
	Client       transcribe.Client
	Queue        *queue.Queue
	Connectivity connectivity.Monitor
	Store        TranscriptStore
	Blobs        BlobDeleter

	Retry            retry.Policy
	Interval         time.Duration
	SyncDisplayDelay time.Duration
	RedrainInterval  time.Duration
	Clock            clock.Clock
	NewSessionID     func() string
	Log              zerolog.Logger
}

// Controller owns one recording session at a time: it drives the segmenter,
// dispatches closed segments, reconciles the offline queue and keeps the
// ordered transcript.
type Controller struct {
	device    capture.Device
	client    transcribe.Client
	queue     *queue.Queue
	conn      connectivity.Monitor
	store     TranscriptStore
	blobs     BlobDeleter
	policy    retry.Policy
	interval  time.Duration
	syncDelay time.Duration
	redrain   time.Duration
	clock     clock.Clock
	newID     func() string
	log       zerolog.Logger
	rootLog   zerolog.Logger
	events    *broadcaster

	// base outlives individual requests so dispatches survive Stop.
	base       context.Context
	cancelBase context.CancelFunc

	mu           sync.Mutex
	state        State
	transcript   []TranscriptSegment
	accepted     map[int64]bool
	segmenter    *capture.Segmenter
	stopCh       chan struct{}
	unsubConn    func()
	syncGen      uint64
	redrainArmed bool

	dispatches sync.WaitGroup
	background sync.WaitGroup
}

func NewController(opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = capture.DefaultInterval
	}
	if opts.SyncDisplayDelay <= 0 {
		opts.SyncDisplayDelay = DefaultSyncDisplayDelay
	}
	if opts.RedrainInterval <= 0 {
		opts.RedrainInterval = DefaultRedrainInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		device:     opts.Device,
		client:     opts.Client,
		queue:      opts.Queue,
		conn:       opts.Connectivity,
		store:      opts.Store,
		blobs:      opts.Blobs,
		interval:   opts.Interval,
		syncDelay:  opts.SyncDisplayDelay,
		redrain:    opts.RedrainInterval,
		clock:      opts.Clock,
		newID:      opts.NewSessionID,
		log:        opts.Log.With().Str("component", "session").Logger(),
		rootLog:    opts.Log,
		events:     newBroadcaster(),
		base:       base,
		cancelBase: cancel,
		state:      State{Status: StatusIdle, SyncStatus: SyncIdle},
		accepted:   make(map[int64]bool),
	}

	c.policy = opts.Retry
	onRetry := opts.Retry.OnRetry
	c.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.TranscriptionRetriesTotal.Inc()
		c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("transcription failed, retrying")
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	return c
}

// Start requests microphone permission, starts segmentation and the elapsed
// counter, and begins listening for connectivity changes. The session stays
// Idle when permission is refused or the device cannot be opened.
func (c *Controller) Start(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state.Status == StatusRecording || c.state.Status == StatusStopping {
		c.mu.Unlock()
		return c.State(), ErrAlreadyRunning
	}
	c.mu.Unlock()

	granted, err := c.device.RequestPermission(ctx)
	if err != nil {
		return c.State(), fmt.Errorf("requesting permission: %w", err)
	}
	if !granted {
		c.log.Warn().Msg("microphone permission denied")
		return c.State(), capture.ErrPermissionDenied
	}

	sessionID := c.newID()
	seg := capture.NewSegmenter(c.device, sessionID, capture.SegmenterOptions{
		Interval:  c.interval,
		Clock:     c.clock,
		OnSegment: c.onSegment,
		Log:       c.rootLog,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status == StatusRecording || c.state.Status == StatusStopping {
		return c.snapshotLocked(), ErrAlreadyRunning
	}

	// Reset before the segmenter can deliver anything for the new session.
	c.state = State{
		SessionID:  sessionID,
		Status:     StatusRecording,
		SyncStatus: SyncIdle,
		StartedAt:  c.clock.Now(),
	}
	c.transcript = nil
	c.accepted = make(map[int64]bool)

	if err := seg.Start(ctx); err != nil {
		c.state = State{Status: StatusIdle, SyncStatus: SyncIdle}
		c.log.Error().Err(err).Msg("failed to start capture")
		return c.snapshotLocked(), err
	}
	c.segmenter = seg

	c.stopCh = make(chan struct{})
	ticker := c.clock.Ticker(time.Second)
	go c.countElapsed(ticker, c.stopCh)

	events, unsub := c.conn.Subscribe()
	c.unsubConn = unsub
	go c.watchConnectivity(events, c.stopCh)

	if n, err := c.queue.Load(ctx); err != nil {
		c.state.Warning = err.Error()
		c.log.Warn().Err(err).Msg("failed to reload offline queue")
	} else if n > 0 {
		c.log.Info().Int("entries", n).Msg("reloaded offline queue")
	}
	if c.conn.IsConnected() && c.queue.Len() > 0 {
		c.triggerDrain()
	}

	c.log.Info().Str("session_id", sessionID).Dur("interval", c.interval).Msg("session started")
	c.publishLocked(EventState, nil)
	return c.snapshotLocked(), nil
}

func (c *Controller) countElapsed(ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.state.Status != StatusRecording {
				c.mu.Unlock()
				return
			}
			c.state.ElapsedSeconds++
			c.publishLocked(EventState, nil)
			c.mu.Unlock()
		case <-stop:
			return
		}
	}
}

func (c *Controller) watchConnectivity(events <-chan connectivity.Event, stop chan struct{}) {
	for {
		var ev connectivity.Event
		select {
		case ev = <-events:
		case <-stop:
			return
		}

		if ev.Connected {
			metrics.ConnectivityTransitionsTotal.WithLabelValues("online").Inc()
		} else {
			metrics.ConnectivityTransitionsTotal.WithLabelValues("offline").Inc()
		}

		c.mu.Lock()
		recording := c.state.Status == StatusRecording
		if recording && ev.Connected {
			c.log.Info().Int("queued", c.queue.Len()).Msg("connectivity restored")
			c.triggerDrain()
		} else if recording {
			c.log.Warn().Msg("connectivity lost, segments will be queued")
		}
		c.publishLocked(EventState, nil)
		c.mu.Unlock()
	}
}

// onSegment runs on the segmenter goroutine for every closed segment. Offline
// segments are queued synchronously so the queue keeps closure order.
func (c *Controller) onSegment(seg capture.Segment) {
	metrics.SegmentsClosedTotal.Inc()
	log := c.log.With().Str("session_id", seg.SessionID).Int64("seq", seg.SequenceIndex).Logger()
	log.Debug().Dur("duration", seg.Duration).Bool("final", seg.Final).Msg("segment closed")

	c.mu.Lock()
	c.state.Segments = seg.SequenceIndex
	online := c.conn.IsConnected()
	if online {
		c.state.InFlight++
		c.dispatches.Add(1)
	}
	c.publishLocked(EventState, nil)
	c.mu.Unlock()

	if !online {
		c.enqueue(seg, nil)
		return
	}
	go c.dispatch(seg, log)
}

func (c *Controller) dispatch(seg capture.Segment, log zerolog.Logger) {
	defer func() {
		c.mu.Lock()
		c.state.InFlight--
		c.publishLocked(EventState, nil)
		c.mu.Unlock()
		c.dispatches.Done()
	}()

	seg.State = capture.StateTranscribing
	text, err := retry.Execute(c.base, c.policy, func(ctx context.Context) (string, error) {
		return c.transcribeOnce(ctx, seg)
	})
	if err == nil {
		c.accept(seg, text)
		return
	}

	switch {
	case errors.Is(err, transcribe.ErrAuth):
		log.Error().Err(err).Msg("transcription credential rejected")
		c.setWarning("transcription credential rejected: " + err.Error())
	case errors.Is(err, retry.ErrRetriesExhausted):
		log.Warn().Err(err).Msg("retries exhausted, queueing segment")
	default:
		log.Warn().Err(err).Msg("transcription failed, queueing segment")
	}
	c.enqueue(seg, err)
}

func (c *Controller) transcribeOnce(ctx context.Context, seg capture.Segment) (string, error) {
	provider := c.client.Name()
	start := time.Now()
	text, err := c.client.Transcribe(ctx, seg)
	metrics.TranscriptionDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		if k := transcribe.KindOf(err); k != 0 {
			result = k.String()
		} else {
			result = "error"
		}
	}
	metrics.TranscriptionRequestsTotal.WithLabelValues(provider, result).Inc()
	return text, err
}

// accept records text for a segment. Text for the live session is appended
// once per sequence index; text for any other session is stored on its own.
func (c *Controller) accept(seg capture.Segment, text string) {
	c.mu.Lock()
	live := seg.SessionID == c.state.SessionID &&
		(c.state.Status == StatusRecording || c.state.Status == StatusStopping)
	if !live {
		c.mu.Unlock()
		c.storeOrphan(seg, text)
		c.releaseBlob(seg)
		return
	}
	if c.accepted[seg.SequenceIndex] {
		c.mu.Unlock()
		c.log.Debug().Int64("seq", seg.SequenceIndex).Msg("duplicate transcript ignored")
		return
	}
	c.accepted[seg.SequenceIndex] = true
	ts := TranscriptSegment{
		SequenceIndex: seg.SequenceIndex,
		Text:          text,
		ProducedAt:    c.clock.Now(),
	}
	c.transcript = append(c.transcript, ts)
	c.state.Transcribed++
	c.publishLocked(EventTranscript, &ts)
	c.mu.Unlock()

	metrics.SegmentOutcomesTotal.WithLabelValues("transcribed").Inc()
	c.releaseBlob(seg)
}

func (c *Controller) storeOrphan(seg capture.Segment, text string) {
	metrics.SegmentOutcomesTotal.WithLabelValues("transcribed").Inc()
	if c.store == nil || strings.TrimSpace(text) == "" {
		return
	}
	if _, err := c.store.InsertSession(context.WithoutCancel(c.base), seg.SessionID, text); err != nil {
		c.log.Error().Err(err).Str("session_id", seg.SessionID).Int64("seq", seg.SequenceIndex).Msg("failed to store drained transcript")
	}
}

func (c *Controller) releaseBlob(seg capture.Segment) {
	if c.blobs == nil || seg.SourceHandle == "" {
		return
	}
	if err := c.blobs.Delete(c.base, seg.SourceHandle); err != nil {
		c.log.Warn().Err(err).Str("key", seg.SourceHandle).Msg("failed to release segment audio")
	}
}

func (c *Controller) enqueue(seg capture.Segment, cause error) {
	// Queueing must succeed even while shutting down.
	err := c.queue.Enqueue(context.WithoutCancel(c.base), seg)
	metrics.SegmentOutcomesTotal.WithLabelValues("queued").Inc()
	if err != nil {
		c.log.Error().Err(err).Int64("seq", seg.SequenceIndex).Msg("offline queue persistence failed, segment kept in memory")
		c.setWarning(err.Error())
	}

	c.mu.Lock()
	if c.conn.IsConnected() {
		// Failed while online: the next drain picks it up.
		c.scheduleRedrainLocked()
	}
	c.publishLocked(EventState, nil)
	c.mu.Unlock()
}

func (c *Controller) setWarning(msg string) {
	c.mu.Lock()
	c.state.Warning = msg
	c.publishLocked(EventState, nil)
	c.mu.Unlock()
}

// triggerDrain starts a background drain. Caller holds c.mu.
func (c *Controller) triggerDrain() {
	if c.queue.Draining() {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if _, err := c.Drain(c.base); err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
			c.log.Error().Err(err).Msg("offline queue drain failed")
		}
	}()
}

// scheduleRedrainLocked arms a single follow-up drain after the redrain
// interval. Caller holds c.mu.
func (c *Controller) scheduleRedrainLocked() {
	if c.redrainArmed || c.base.Err() != nil {
		return
	}
	c.redrainArmed = true
	timer := c.clock.Timer(c.redrain)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		select {
		case <-timer.C:
		case <-c.base.Done():
			timer.Stop()
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.redrainArmed = false
		if c.conn.IsConnected() && c.queue.Len() > 0 {
			c.triggerDrain()
		}
	}()
}

// Drain transcribes every queued segment in enqueue order, each through the
// retry policy. Sync status moves to syncing, then complete, and back to idle
// after the display delay. Entries still queued while online are drained again
// after the redrain interval.
func (c *Controller) Drain(ctx context.Context) (queue.DrainResult, error) {
	if c.queue.Draining() {
		return queue.DrainResult{}, queue.ErrDrainInProgress
	}
	c.setSync(SyncSyncing)

	res, err := c.queue.DrainAll(ctx, func(ctx context.Context, e queue.Entry) error {
		text, err := retry.Execute(ctx, c.policy, func(ctx context.Context) (string, error) {
			return c.transcribeOnce(ctx, e.Segment)
		})
		if err != nil {
			return err
		}
		c.accept(e.Segment, text)
		return nil
	})
	if errors.Is(err, queue.ErrDrainInProgress) {
		return res, err
	}

	metrics.QueueDrainsTotal.Inc()
	metrics.QueueDrainedEntriesTotal.WithLabelValues("succeeded").Add(float64(len(res.Succeeded)))
	metrics.QueueDrainedEntriesTotal.WithLabelValues("still_failed").Add(float64(len(res.StillFailed)))
	metrics.QueueDrainedEntriesTotal.WithLabelValues("abandoned").Add(float64(len(res.Abandoned)))
	for range res.Abandoned {
		metrics.SegmentOutcomesTotal.WithLabelValues("failed").Inc()
	}

	c.log.Info().
		Int("succeeded", len(res.Succeeded)).
		Int("still_failed", len(res.StillFailed)).
		Int("abandoned", len(res.Abandoned)).
		Msg("offline queue drained")

	// The timer is armed before complete is published so observers of
	// complete can rely on the reset being scheduled.
	timer := c.clock.Timer(c.syncDelay)
	gen := c.setSync(SyncComplete)
	c.mu.Lock()
	if err == nil && c.queue.Len() > 0 && c.conn.IsConnected() {
		c.scheduleRedrainLocked()
	}
	c.mu.Unlock()
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		select {
		case <-timer.C:
		case <-c.base.Done():
			timer.Stop()
		}
		c.mu.Lock()
		// A later drain owns the status once it has moved on.
		if c.syncGen == gen && c.state.SyncStatus == SyncComplete {
			c.state.SyncStatus = SyncIdle
			c.publishLocked(EventState, nil)
		}
		c.mu.Unlock()
	}()
	return res, err
}

// setSync publishes a sync status and returns its generation.
func (c *Controller) setSync(s SyncStatus) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncGen++
	c.state.SyncStatus = s
	c.publishLocked(EventState, nil)
	return c.syncGen
}

// Stop cancels the segment timer and freezes the elapsed counter at once, then
// waits for every dispatched segment, including the final one, to be
// transcribed or queued. In-flight work is never cancelled. If ctx ends first
// the session still reaches Stopped in the background.
func (c *Controller) Stop(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state.Status != StatusRecording {
		st := c.snapshotLocked()
		c.mu.Unlock()
		return st, ErrNotRecording
	}
	c.state.Status = StatusStopping
	close(c.stopCh)
	seg := c.segmenter
	unsub := c.unsubConn
	sessionID := c.state.SessionID
	elapsed := c.state.ElapsedSeconds
	c.publishLocked(EventState, nil)
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Int64("elapsed", elapsed).Msg("stopping session")

	if _, _, err := seg.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("failed to release capture device")
	}
	if unsub != nil {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.dispatches.Wait()
		c.finish(sessionID)
	}()

	select {
	case <-done:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

func (c *Controller) finish(sessionID string) {
	c.mu.Lock()
	c.state.Status = StatusStopped
	c.segmenter = nil
	c.unsubConn = nil
	text := joinTranscript(c.transcript)
	st := c.snapshotLocked()
	c.publishLocked(EventState, nil)
	c.mu.Unlock()

	c.log.Info().
		Str("session_id", sessionID).
		Int("transcribed", st.Transcribed).
		Int("queued", st.Queued).
		Msg("session stopped")

	if c.store == nil || text == "" {
		return
	}
	if _, err := c.store.InsertSession(context.WithoutCancel(c.base), sessionID, text); err != nil {
		c.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to save transcript")
		c.setWarning("failed to save transcript: " + err.Error())
	}
}

// Shutdown stops an active session and waits for background drains.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	if c.Status() == StatusRecording {
		_, err = c.Stop(ctx)
	}
	c.cancelBase()

	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Discard removes a queued segment without transcribing it.
func (c *Controller) Discard(ctx context.Context, sessionID string, seq int64) error {
	if err := c.queue.Discard(ctx, sessionID, seq); err != nil {
		return err
	}
	metrics.SegmentOutcomesTotal.WithLabelValues("failed").Inc()
	c.mu.Lock()
	c.publishLocked(EventState, nil)
	c.mu.Unlock()
	return nil
}

// Subscribe returns live session events and a cancel function.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// State returns a snapshot of the session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status
}

// publishLocked emits the current state. Publishing under c.mu keeps events
// in the same order as the changes they describe.
func (c *Controller) publishLocked(t EventType, seg *TranscriptSegment) {
	c.events.publish(Event{Type: t, State: c.snapshotLocked(), Segment: seg})
}

func (c *Controller) snapshotLocked() State {
	st := c.state
	st.Elapsed = FormatElapsed(st.ElapsedSeconds)
	st.Queued = c.queue.Len()
	st.Online = c.conn.IsConnected()
	return st
}

// Transcript returns the accepted segments ordered by sequence index.
func (c *Controller) Transcript() []TranscriptSegment {
	c.mu.Lock()
	out := make([]TranscriptSegment, len(c.transcript))
	copy(out, c.transcript)
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out
}

// Text joins the ordered transcript, one segment per line.
func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return joinTranscript(c.transcript)
}

func joinTranscript(segs []TranscriptSegment) string {
	ordered := make([]TranscriptSegment, len(segs))
	copy(ordered, segs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SequenceIndex < ordered[j].SequenceIndex })

	lines := make([]string, 0, len(ordered))
	for _, s := range ordered {
		if t := strings.TrimSpace(s.Text); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n")
}

// Queue returns a snapshot of the offline queue.
func (c *Controller) Queue() []queue.Entry {
	return c.queue.Entries()
}

// Stats accessors for the metrics collector.

func (c *Controller) Recording() bool { return c.Status() == StatusRecording }

func (c *Controller) ElapsedSeconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ElapsedSeconds
}

func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.InFlight
}

func (c *Controller) QueueDepth() int { return c.queue.Len() }

func (c *Controller) LiveSubscriberCount() int { return c.events.count() }
