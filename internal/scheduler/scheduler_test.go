package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-int/internal/planner"
)

type fakeDownloader struct {
	mu       sync.Mutex
	attempts map[int]int
	failN    map[int]int // index -> number of times to fail before succeeding
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{attempts: make(map[int]int), failN: make(map[int]int)}
}

func (f *fakeDownloader) DownloadSegment(ctx context.Context, seg *planner.Segment) error {
	f.mu.Lock()
	f.attempts[seg.Index]++
	attempt := f.attempts[seg.Index]
	shouldFail := f.failN[seg.Index]
	f.mu.Unlock()

	if attempt <= shouldFail {
		return fmt.Errorf("server error 503")
	}
	return nil
}

func segs(n int) []*planner.Segment {
	out := make([]*planner.Segment, n)
	for i := 0; i < n; i++ {
		out[i] = &planner.Segment{Index: i, Status: planner.StatusPending}
	}
	return out
}

func TestScheduler_RunsAllSegmentsToCompletion(t *testing.T) {
	dl := newFakeDownloader()
	s := New(segs(5), Options{ConnectionLimit: 3, Downloader: dl, RetryLimit: -1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.Equal(t, 1, dl.attempts[i])
	}
}

func TestScheduler_OtherErrorSchedulesRetryTimerNotImmediateRequeue(t *testing.T) {
	dl := newFakeDownloader()
	segments := segs(1)
	s := New(segments, Options{ConnectionLimit: 1, Downloader: dl, RetryLimit: -1})
	// Take the segment off the queue, as Run does when it dispatches it.
	s.pending.Remove(s.pending.Front())

	s.handleFailure(context.Background(), segments[0], fmt.Errorf("server error 503"))

	require.Equal(t, planner.StatusWaitingRetry, segments[0].Status)
	require.Equal(t, 1, segments[0].Retries)
	require.Equal(t, 0, s.pending.Len()) // not requeued yet, only on timer fire
	s.mu.Lock()
	_, hasTimer := s.retryTimers[0]
	s.mu.Unlock()
	require.True(t, hasTimer)
}

func TestScheduler_MarksFailedBeyondRetryLimit(t *testing.T) {
	dl := newFakeDownloader()
	dl.failN[0] = 100 // always fails

	segments := segs(1)
	s := New(segments, Options{ConnectionLimit: 1, Downloader: dl, RetryLimit: 0})

	// Directly exercise handleFailure's retry-limit path without waiting
	// on the 20s "other error" timer: call it synchronously with a
	// synthetic error.
	s.handleFailure(context.Background(), segments[0], fmt.Errorf("server error 503"))
	require.Equal(t, planner.StatusFailed, segments[0].Status)
	require.Equal(t, 1, s.FailedCount())
}

func TestScheduler_RetryFailed_RequeuesWithPriority(t *testing.T) {
	dl := newFakeDownloader()
	segments := segs(1)
	s := New(segments, Options{ConnectionLimit: 1, Downloader: dl, RetryLimit: 0})

	s.MarkFailed(segments[0])
	require.Equal(t, 1, s.FailedCount())

	byIndex := map[int]*planner.Segment{0: segments[0]}
	s.RetryFailed(byIndex)
	require.Equal(t, 0, s.FailedCount())
	require.Equal(t, planner.StatusPending, segments[0].Status)
}

func TestScheduler_TTFBTimeoutDoesNotCountTowardLimit(t *testing.T) {
	dl := newFakeDownloader()
	segments := segs(1)
	s := New(segments, Options{ConnectionLimit: 1, Downloader: dl, RetryLimit: 0})

	s.handleFailure(context.Background(), segments[0], ttfbErr{})
	require.Equal(t, planner.StatusPending, segments[0].Status)
	require.Equal(t, 0, segments[0].Retries)
	require.Equal(t, 0, s.FailedCount())
}

type ttfbErr struct{}

func (ttfbErr) Error() string { return "retry: time to first byte exceeded" }

func (ttfbErr) Is(target error) bool {
	return target.Error() == "retry: time to first byte exceeded"
}
