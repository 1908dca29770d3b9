// Package planner implements the Range Planner (spec §4.4): a deterministic
// function of PlanMeta that partitions [0, total-size) into Segment records.
package planner

import (
	"fmt"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/manifest"
)

// Status is a segment's place in the download lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDownloading  Status = "downloading"
	StatusWaitingRetry Status = "waiting-retry"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
)

// Segment is one plaintext-range unit of work (spec §3).
type Segment struct {
	Index     int
	Offset    int64
	Length    int64
	Mapping   codec.Mapping
	Cipher    []byte // nil until downloaded; kept after the sink write (never cleared)
	Retries   int
	Status    Status
	ErrMsg    string
}

// Plan is the output of Build: an ordered, gapless segment list plus the
// total encrypted byte count used for progress reporting.
type Plan struct {
	Segments       []*Segment
	TotalEncrypted int64
}

// Build partitions [0, meta.TotalSize) into segments no longer than
// meta.SegmentSizeBytes, in ascending, contiguous, non-overlapping order.
func Build(meta manifest.PlanMeta) (*Plan, error) {
	if meta.SegmentSizeBytes <= 0 {
		return nil, fmt.Errorf("planner: segment size must be positive, got %d", meta.SegmentSizeBytes)
	}
	if meta.TotalSize < 0 {
		return nil, fmt.Errorf("planner: negative total size")
	}

	dims := meta.Dims()
	plan := &Plan{}

	var offset int64
	index := 0
	for offset < meta.TotalSize {
		length := meta.SegmentSizeBytes
		if offset+length > meta.TotalSize {
			length = meta.TotalSize - offset
		}
		m := codec.MapRange(dims, offset, length)

		seg := &Segment{
			Index:   index,
			Offset:  offset,
			Length:  length,
			Mapping: m,
			Status:  StatusPending,
		}
		plan.Segments = append(plan.Segments, seg)

		if dims.Mode == codec.ModeCrypt && dims.BlockDataSize > 0 && dims.BlockHeaderSize > 0 {
			plan.TotalEncrypted += m.UnderlyingLimit
		} else {
			plan.TotalEncrypted += length
		}

		offset += length
		index++
	}

	// A zero-length file naturally produces zero segments: the loop above
	// never runs since offset (0) is never < TotalSize (0).
	return plan, nil
}
