// Package orchestrator wires the Range Planner, Segment Scheduler, Decrypt
// Pool, and Resume Store together behind the public verbs described in
// spec §4.8: prepare, start, pause, resume, cancel, retry-failed, clear.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/constants"
	"github.com/rescale/rescale-int/internal/decryptpool"
	"github.com/rescale/rescale-int/internal/events"
	"github.com/rescale/rescale-int/internal/httpclient"
	"github.com/rescale/rescale-int/internal/logging"
	"github.com/rescale/rescale-int/internal/manifest"
	"github.com/rescale/rescale-int/internal/planner"
	"github.com/rescale/rescale-int/internal/resume"
	"github.com/rescale/rescale-int/internal/scheduler"
	"github.com/rescale/rescale-int/internal/sink"
)

// State is the orchestrator's top-level lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StatePrepared   State = "prepared"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Settings are the user-tunable scalars (spec §4.3 "settings" table).
type Settings struct {
	ConnectionLimit   int
	DecryptParallelism int
	SegmentSizeMB     int
	TTFBTimeoutSeconds int
	RetryLimit        int // -1 for unbounded
}

// DefaultSettings returns the constants package's defaults.
func DefaultSettings() Settings {
	return Settings{
		ConnectionLimit:    constants.DefaultConnectionLimit,
		DecryptParallelism: constants.DefaultDecryptParallelism,
		SegmentSizeMB:      constants.DefaultSegmentSizeMB,
		TTFBTimeoutSeconds: constants.DefaultTTFBTimeoutSeconds,
		RetryLimit:         -1,
	}
}

// PrepareParams carries prepareFromInfo's arguments (spec §4.8).
type PrepareParams struct {
	Path      string
	Sign      string
	AutoStart bool
	DestPath  string // empty selects the temp-file/stream/memory fallback chain
}

// Orchestrator is the single top-level object a CLI command drives.
type Orchestrator struct {
	store    *resume.Store
	logger   *logging.Logger
	eventBus *events.EventBus
	settings Settings
	keyPrefix string

	mu    sync.Mutex
	state State

	key      string
	man      *manifest.Manifest
	plan     *planner.Plan
	planMeta manifest.PlanMeta
	dataKey  []byte
	baseNonce [constants.BaseNonceSize]byte

	segByIndex map[int]*planner.Segment
	reused     int

	sched   *scheduler.Scheduler
	pool    *decryptpool.Pool
	reorder *decryptpool.Reorder

	rangeClient *httpclient.RangeClient

	sinkInst sink.Sink
	sinkKind sink.Kind
	sinkMu   sync.Mutex // serializes the drain-and-write sequence in flush()

	progress Progress

	cancel context.CancelFunc
	runWg  sync.WaitGroup
	runErr error
}

// New builds an Orchestrator. store and logger are required; eventBus may
// be nil.
func New(store *resume.Store, logger *logging.Logger, eventBus *events.EventBus, keyPrefix string, settings Settings) *Orchestrator {
	return &Orchestrator{
		store:       store,
		logger:      logger,
		eventBus:    eventBus,
		settings:    settings,
		keyPrefix:   keyPrefix,
		state:       StateIdle,
		rangeClient: httpclient.NewRangeClient(),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	old := o.state
	o.state = s
	o.mu.Unlock()
	if o.logger != nil {
		o.logger.Status(o.key, string(old), string(s))
	}
}

// PrepareFromInfo validates the manifest, plans segments, restores any
// resumable segments from the Resume Store, and reports how many were
// reused.
func (o *Orchestrator) PrepareFromInfo(ctx context.Context, man *manifest.Manifest, params PrepareParams) (reused int, err error) {
	if err := man.Validate(); err != nil {
		return 0, fmt.Errorf("orchestrator: invalid manifest: %w", err)
	}

	dataKey, err := man.DataKey()
	if err != nil {
		return 0, err
	}

	segmentSizeBytes := int64(o.settings.SegmentSizeMB) * 1024 * 1024
	planMeta := manifest.PlanMetaFromManifest(man, segmentSizeBytes)

	plan, err := planner.Build(planMeta)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: planning: %w", err)
	}

	key := resume.Key(o.keyPrefix, params.Path, params.Sign)

	// The base nonce rides in the ciphertext's own file header, fetched
	// synchronously by Start before the decrypt pool is built (download.go
	// fetchBaseNonce); until then it stays zero.
	var baseNonce [constants.BaseNonceSize]byte

	segByIndex := make(map[int]*planner.Segment, len(plan.Segments))
	for _, seg := range plan.Segments {
		segByIndex[seg.Index] = seg
	}

	reusedCount := 0
	if stored, err := o.store.LoadSegments(key, planMeta.Signature()); err == nil {
		for _, row := range stored {
			if seg, ok := segByIndex[row.Index]; ok && row.Index < len(plan.Segments) {
				seg.Cipher = row.Data
				seg.Status = planner.StatusDone
				reusedCount++
			}
		}
	}

	// A complete, previously-written download is reclaimed here even though
	// reusedCount above already copied its segments into memory for this
	// run; Sweep only deletes the Resume Store's on-disk copy.
	o.store.Sweep(key, planMeta.Signature(), len(plan.Segments), man.TotalSize)

	o.mu.Lock()
	o.key = key
	o.man = man
	o.plan = plan
	o.planMeta = planMeta
	o.dataKey = dataKey
	o.baseNonce = baseNonce
	o.segByIndex = segByIndex
	o.reused = reusedCount
	o.progress = Progress{TotalEncrypted: plan.TotalEncrypted, TotalSize: man.TotalSize}
	for _, seg := range plan.Segments {
		if seg.Status == planner.StatusDone {
			o.progress.onSegmentDone(seg, man.Mode)
		}
	}
	o.mu.Unlock()

	o.store.PutManifest(key, 1, man)

	o.setState(StatePrepared)

	if params.AutoStart {
		if err := o.Start(ctx, params.DestPath); err != nil {
			return reusedCount, err
		}
	}
	return reusedCount, nil
}

// RefreshFromInfo swaps in a new manifest's remote URL/headers when the
// plan shape is unchanged (spec §4.8). If the signatures or data keys
// differ while a download is running, the spec preserves the source's
// observed behavior: log and leave the running task alone rather than
// restarting it (see SPEC_FULL.md Open Question).
func (o *Orchestrator) RefreshFromInfo(ctx context.Context, man *manifest.Manifest, params PrepareParams) error {
	o.mu.Lock()
	running := o.state == StateRunning
	currentMeta := o.planMeta
	currentKey := o.key
	o.mu.Unlock()

	if err := man.Validate(); err != nil {
		return fmt.Errorf("orchestrator: invalid manifest: %w", err)
	}

	segmentSizeBytes := int64(o.settings.SegmentSizeMB) * 1024 * 1024
	newMeta := manifest.PlanMetaFromManifest(man, segmentSizeBytes)

	newKey, err := man.DataKey()
	if err != nil {
		return err
	}
	oldKey, _ := o.man.DataKey()

	if !manifest.Compatible(currentMeta, newMeta, oldKey, newKey) {
		if running {
			if o.logger != nil {
				o.logger.Logf(events.WarnLevel, currentKey, nil,
					"refreshFromInfo: incompatible plan while running, leaving task in place")
			}
			return nil
		}
		_, err := o.PrepareFromInfo(ctx, man, params)
		return err
	}

	o.mu.Lock()
	o.man.RemoteURL = man.RemoteURL
	o.man.RemoteURLBase64 = man.RemoteURLBase64
	o.man.Headers = man.Headers
	o.mu.Unlock()
	return nil
}

// Start begins the scheduler and flush loops.
func (o *Orchestrator) Start(ctx context.Context, destPath string) error {
	o.mu.Lock()
	if o.state != StatePrepared && o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: cannot start from state %s", o.state)
	}
	plan := o.plan
	man := o.man
	o.mu.Unlock()

	if o.sinkInst == nil {
		s, kind, err := sink.Acquire(sink.Options{DestPath: destPath, FileName: man.FileName, SizeHint: man.TotalSize})
		if err != nil {
			return fmt.Errorf("orchestrator: acquiring sink: %w", err)
		}
		o.sinkInst = s
		o.sinkKind = kind
	}

	if man.Mode == codec.ModeCrypt && o.isZeroNonce() {
		if err := o.fetchBaseNonce(ctx); err != nil {
			return fmt.Errorf("orchestrator: fetching file header: %w", err)
		}
	}

	n := decryptpool.WorkerCount(o.settings.DecryptParallelism, len(plan.Segments))
	o.pool = decryptpool.New(n, o.planMeta.Dims(), o.baseNonce, o.dataKey)
	o.reorder = decryptpool.NewReorder()

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.sched = scheduler.New(plan.Segments, scheduler.Options{
		ConnectionLimit: o.settings.ConnectionLimit,
		Downloader:      o,
		RetryLimit:      o.settings.RetryLimit,
		OnSegmentState:  o.dispatchSegmentState,
	})

	o.setState(StateRunning)

	o.runWg.Add(1)
	go func() {
		defer o.runWg.Done()
		o.runErr = o.runLoop(runCtx)
	}()
	return nil
}

// Wait blocks until Start's background loop returns, for callers (CLI
// commands, tests) that need synchronous completion.
func (o *Orchestrator) Wait() error {
	o.runWg.Wait()
	return o.runErr
}

// Pause halts new dispatch. Requests already in flight are not aborted;
// they run to completion.
func (o *Orchestrator) Pause() {
	if o.sched != nil {
		o.sched.Pause()
	}
	o.setState(StatePaused)
}

// Resume un-pauses the scheduler.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: cannot resume from state %s", o.state)
	}
	o.mu.Unlock()
	o.sched.Resume()
	o.setState(StateRunning)
	return nil
}

// Cancel aborts all in-flight work, clears timers, and aborts the sink.
func (o *Orchestrator) Cancel() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.sched != nil {
		o.sched.Cancel()
	}
	if o.pool != nil {
		o.pool.Close()
	}
	if o.sinkInst != nil {
		o.sinkInst.Abort(fmt.Errorf("cancelled"))
	}
	o.setState(StateCancelled)
}

// RetryFailed clears the failed set and requeues those segments.
func (o *Orchestrator) RetryFailed() {
	if o.sched == nil {
		return
	}
	o.sched.RetryFailed(o.segByIndex)
}

// Clear wipes the Resume Store scoped to the current key, or globally if no
// key is set.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	key := o.key
	o.mu.Unlock()
	if key == "" {
		return o.store.ClearAll()
	}
	return o.store.ClearKey(key)
}

// Progress returns a snapshot of the current progress counters.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// dispatchSegmentState is the scheduler's OnSegmentState callback: it
// publishes the event-bus notification and, once a segment reaches Done,
// feeds its ciphertext into the decrypt pipeline (spec §4.7).
func (o *Orchestrator) dispatchSegmentState(seg *planner.Segment) {
	o.onSegmentState(seg)
	if seg.Status == planner.StatusDone {
		o.submitToPipeline(seg)
	}
}

func (o *Orchestrator) onSegmentState(seg *planner.Segment) {
	if o.eventBus == nil {
		return
	}
	var evType events.EventType
	switch seg.Status {
	case planner.StatusPending:
		evType = events.EventSegmentQueued
	case planner.StatusDownloading:
		evType = events.EventSegmentDownloading
	case planner.StatusDone:
		evType = events.EventSegmentDownloaded
	case planner.StatusFailed:
		evType = events.EventSegmentFailed
	case planner.StatusWaitingRetry:
		evType = events.EventSegmentRetrying
	}
	var segErr error
	if seg.ErrMsg != "" {
		segErr = fmt.Errorf("%s", seg.ErrMsg)
	}
	o.eventBus.Publish(&events.SegmentEvent{
		BaseEvent: events.BaseEvent{EventType: evType, Time: time.Now()},
		Key:       o.key, Index: seg.Index, Retries: seg.Retries, Error: segErr,
	})
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
