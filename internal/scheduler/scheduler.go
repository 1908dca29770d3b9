// Package scheduler implements the Segment Scheduler (spec §4.5): a single
// dispatch loop that owns the connection pool, honors pause/resume, and
// funnels failures through the retry policy's delay/priority decisions.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rescale/rescale-int/internal/constants"
	"github.com/rescale/rescale-int/internal/planner"
	"github.com/rescale/rescale-int/internal/retry"
)

// Downloader performs a single segment's ranged fetch. Implemented by the
// orchestrator, which wires in internal/httpclient and the Resume Store.
type Downloader interface {
	DownloadSegment(ctx context.Context, seg *planner.Segment) error
}

// Scheduler dispatches segment downloads under a connection cap and a
// minimum inter-dispatch interval, requeuing failures per the retry policy.
type Scheduler struct {
	downloader Downloader
	sem        *semaphore.Weighted
	connLimit  int64

	mu          sync.Mutex
	pending     *list.List // of *planner.Segment, head = next to dispatch
	inFlight    map[int]struct{}
	failed      map[int]struct{}
	retryTimers map[int]*time.Timer
	paused      bool

	wake chan struct{}
	done chan struct{}

	lastDispatch time.Time

	// retryLimit is the finite per-segment retry budget, or -1 for
	// unbounded (spec's "inf" token, resolved by the caller).
	retryLimit int

	onSegmentState func(seg *planner.Segment)
}

// Options configures a new Scheduler.
type Options struct {
	ConnectionLimit int
	Downloader      Downloader
	// RetryLimit bounds retries per segment beyond which it is marked
	// failed; pass -1 for unbounded (constants.RetryLimitInf).
	RetryLimit int
	// OnSegmentState is called whenever a segment's status changes, for
	// progress/event-bus wiring. May be nil.
	OnSegmentState func(seg *planner.Segment)
}

// New builds a Scheduler seeded with segs as the initial pending queue, in
// index order.
func New(segs []*planner.Segment, opts Options) *Scheduler {
	limit := int64(opts.ConnectionLimit)
	if limit < constants.MinConnectionLimit {
		limit = constants.MinConnectionLimit
	}
	if limit > constants.MaxConnectionLimit {
		limit = constants.MaxConnectionLimit
	}

	s := &Scheduler{
		downloader:     opts.Downloader,
		sem:            semaphore.NewWeighted(limit),
		connLimit:      limit,
		pending:        list.New(),
		inFlight:       make(map[int]struct{}),
		failed:         make(map[int]struct{}),
		retryTimers:    make(map[int]*time.Timer),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		retryLimit:     opts.RetryLimit,
		onSegmentState: opts.OnSegmentState,
	}
	for _, seg := range segs {
		if seg.Status != planner.StatusDone {
			s.pending.PushBack(seg)
		}
	}
	return s
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pause moves the scheduler into the paused state: no new dispatches start,
// but in-flight requests are unaffected until Pause's caller cancels them.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume clears the paused state and wakes the dispatch loop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
}

// RetryFailed clears the failed set and requeues those segments with
// priority (spec §4.8 retryFailed).
func (s *Scheduler) RetryFailed(segByIndex map[int]*planner.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.failed {
		if seg, ok := segByIndex[idx]; ok {
			seg.Status = planner.StatusPending
			seg.ErrMsg = ""
			s.pending.PushFront(seg)
		}
	}
	s.failed = make(map[int]struct{})
	s.signal()
}

// FailedCount reports the current size of the failed set.
func (s *Scheduler) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

// Cancel clears all pending retry timers and wakes the dispatch loop. It
// does not stop Run by itself: Run returns when its context is cancelled.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	for _, t := range s.retryTimers {
		t.Stop()
	}
	s.retryTimers = make(map[int]*time.Timer)
	s.mu.Unlock()
	s.signal()
}

// Run executes the dispatch loop until every segment is done/failed or ctx
// is cancelled. It blocks the calling goroutine; callers typically run it
// in its own goroutine and select on Scheduler.Done().
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if s.paused {
			s.mu.Unlock()
			if !s.awaitWake(ctx) {
				return ctx.Err()
			}
			continue
		}

		if s.pending.Len() == 0 {
			inFlight := len(s.inFlight)
			timers := len(s.retryTimers)
			s.mu.Unlock()
			if inFlight == 0 && timers == 0 {
				return nil
			}
			if !s.awaitWake(ctx) {
				return ctx.Err()
			}
			continue
		}

		front := s.pending.Front()
		seg := front.Value.(*planner.Segment)
		s.mu.Unlock()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		s.mu.Lock()
		// Re-check: another goroutine may have mutated the queue while we
		// waited on the semaphore.
		if s.pending.Len() == 0 || s.pending.Front().Value.(*planner.Segment) != seg {
			s.mu.Unlock()
			s.sem.Release(1)
			continue
		}
		s.pending.Remove(front)
		s.inFlight[seg.Index] = struct{}{}
		seg.Status = planner.StatusDownloading
		if s.onSegmentState != nil {
			s.onSegmentState(seg)
		}

		wait := constants.MinDispatchInterval - time.Since(s.lastDispatch)
		s.lastDispatch = time.Now()
		s.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			s.dispatch(ctx, seg)
		}()
	}
}

// Done returns a channel closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) awaitWake(ctx context.Context) bool {
	select {
	case <-s.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) dispatch(ctx context.Context, seg *planner.Segment) {
	err := s.downloader.DownloadSegment(ctx, seg)

	s.mu.Lock()
	delete(s.inFlight, seg.Index)
	s.mu.Unlock()

	if err == nil {
		seg.Status = planner.StatusDone
		seg.ErrMsg = ""
		if s.onSegmentState != nil {
			s.onSegmentState(seg)
		}
		s.signal()
		return
	}

	s.handleFailure(ctx, seg, err)
}

// handleFailure implements spec §4.6's retry policy: classify, decide
// delay/priority, and either requeue (via timer or immediately) or mark
// failed.
func (s *Scheduler) handleFailure(ctx context.Context, seg *planner.Segment, err error) {
	class := retry.Classify(err)

	if class == retry.ClassFatal {
		return
	}

	// ttfb-timeout requeues immediately with priority and never counts
	// toward failure surfacing (spec §4.6): skip the retry-limit check
	// and the increment entirely.
	if retry.Priority(class) {
		seg.ErrMsg = err.Error()
		seg.Status = planner.StatusPending
		s.mu.Lock()
		s.pending.PushFront(seg)
		s.mu.Unlock()
		if s.onSegmentState != nil {
			s.onSegmentState(seg)
		}
		s.signal()
		return
	}

	seg.Retries++
	seg.ErrMsg = err.Error()

	if s.retryLimit >= 0 && seg.Retries > s.retryLimit {
		s.MarkFailed(seg)
		return
	}

	seg.Status = planner.StatusWaitingRetry
	if s.onSegmentState != nil {
		s.onSegmentState(seg)
	}

	delay := retry.DelayWithJitter(class, seg.Retries)
	s.mu.Lock()
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retryTimers, seg.Index)
		seg.Status = planner.StatusPending
		s.pending.PushBack(seg)
		s.mu.Unlock()
		if s.onSegmentState != nil {
			s.onSegmentState(seg)
		}
		s.signal()
	})
	s.retryTimers[seg.Index] = timer
	s.mu.Unlock()
}

// MarkFailed is called by handleFailure's retry limit check (against the
// RetryLimit given in Options) to move a segment into the terminal failed
// state instead of requeuing it.
func (s *Scheduler) MarkFailed(seg *planner.Segment) {
	seg.Status = planner.StatusFailed
	s.mu.Lock()
	s.failed[seg.Index] = struct{}{}
	s.mu.Unlock()
	if s.onSegmentState != nil {
		s.onSegmentState(seg)
	}
	s.signal()
}
