package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/decryptpool"
	"github.com/rescale/rescale-int/internal/events"
	"github.com/rescale/rescale-int/internal/planner"
)

// submitToPipeline feeds a just-completed segment's ciphertext into the
// decrypt pool (crypt mode) or straight into the reorder buffer (plain
// mode, which bypasses the pool per spec §4.7). It is also used at runLoop
// startup to seed segments already marked Done by a Resume Store reuse,
// since those never pass through the scheduler's dispatch path.
func (o *Orchestrator) submitToPipeline(seg *planner.Segment) {
	if o.man.Mode == codec.ModeCrypt {
		o.pool.Submit(decryptpool.Job{
			ID:      seg.Index,
			Index:   seg.Index,
			Cipher:  seg.Cipher,
			Length:  seg.Length,
			Mapping: seg.Mapping,
		})
		return
	}
	o.reorder.Put(seg.Index, seg.Cipher[:seg.Length])
	o.flush()
}

// runLoop seeds any already-reused segments, starts the scheduler, and
// (for crypt mode) drains the decrypt pool's results into the reorder
// buffer until every segment is accounted for, then finalizes the sink.
func (o *Orchestrator) runLoop(ctx context.Context) error {
	for _, seg := range o.plan.Segments {
		if seg.Status == planner.StatusDone {
			o.submitToPipeline(seg)
		}
	}

	var drainWg sync.WaitGroup
	if o.man.Mode == codec.ModeCrypt {
		drainWg.Add(1)
		go func() {
			defer drainWg.Done()
			o.drainPool()
		}()
	}

	schedErr := o.sched.Run(ctx)

	if o.man.Mode == codec.ModeCrypt {
		o.pool.Close()
		drainWg.Wait()
	}

	if schedErr != nil {
		o.setState(StateFailed)
		if o.sinkInst != nil {
			o.sinkInst.Abort(schedErr)
		}
		return schedErr
	}

	if o.sched.FailedCount() > 0 {
		o.setState(StateFailed)
		return fmt.Errorf("orchestrator: %d segments failed", o.sched.FailedCount())
	}

	o.mu.Lock()
	failedState := o.state == StateFailed
	o.mu.Unlock()
	if failedState {
		return fmt.Errorf("orchestrator: a decrypt worker failed, aborting")
	}

	o.setState(StateFinalizing)
	if err := o.sinkInst.Finalize(); err != nil {
		o.setState(StateFailed)
		return fmt.Errorf("orchestrator: finalizing sink: %w", err)
	}
	o.setState(StateDone)
	return nil
}

// drainPool ranges over the decrypt pool's results until Close causes the
// channel to close. Any worker error poisons the flush chain: the
// orchestrator moves to Failed and stops writing further plaintext, per
// spec §4.7's "Worker failure".
func (o *Orchestrator) drainPool() {
	poisoned := false
	for res := range o.pool.Results() {
		if res.Err != nil {
			poisoned = true
			o.setState(StateFailed)
			if o.logger != nil {
				o.logger.Logf(events.ErrorLevel, o.key, res.Err, "decrypt worker failed on segment %d", res.Index)
			}
			continue
		}
		if poisoned {
			continue
		}
		o.reorder.Put(res.Index, res.Plaintext)
		o.flush()
	}
}

// flush drains every contiguous run ready in the reorder buffer and writes
// it to the sink, in ascending segment order, updating decryptedBytes. The
// drain-then-write sequence is serialized by sinkMu: multiple segments can
// complete concurrently, but only one goroutine may be mid-flush at a time,
// otherwise two goroutines could each drain a disjoint contiguous run and
// race to write them to the sink out of order.
func (o *Orchestrator) flush() {
	o.sinkMu.Lock()
	defer o.sinkMu.Unlock()
	for _, chunk := range o.reorder.Drain() {
		if err := o.sinkInst.Write(chunk); err != nil {
			o.setState(StateFailed)
			return
		}
		o.mu.Lock()
		o.progress.addDecrypted(int64(len(chunk)))
		o.mu.Unlock()
	}
}
