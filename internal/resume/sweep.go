package resume

import (
	"fmt"
)

// segmentSummary is the aggregated shape sweep needs per (key, signature)
// group: which indices are present and their total length. Individual
// segment lengths are recorded but not compared with any expected size.
type segmentSummary struct {
	indices    map[int]int64 // index -> length
	totalBytes int64
}

// Sweep implements the completion sweep (spec §4.3): group key's segment
// rows by signature; any group that forms a complete covering set for
// totalSize (every index 0..count-1 present, summed length >= totalSize)
// has its segments and writer handle deleted, reclaiming space from
// downloads that already finished and were written out.
//
// expectedSegmentCount and totalSize describe the *current* plan; only the
// group matching the current signature is evaluated. Rows under any other
// signature are left in place (LoadSegments ignores them). Per-segment
// lengths are not checked in either mode.
func (s *Store) Sweep(key, signature string, expectedSegmentCount int, totalSize int64) (bool, error) {
	rows, err := s.db.Query(`SELECT idx, length FROM segments WHERE key = ? AND signature = ?`, key, signature)
	if err != nil {
		return false, fmt.Errorf("resume: sweep query: %w", err)
	}

	summary := segmentSummary{indices: make(map[int]int64)}
	for rows.Next() {
		var idx int
		var length int64
		if err := rows.Scan(&idx, &length); err != nil {
			rows.Close()
			return false, fmt.Errorf("resume: sweep scan: %w", err)
		}
		summary.indices[idx] = length
		summary.totalBytes += length
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return false, err
	}
	rows.Close()

	if !isComplete(summary, expectedSegmentCount, totalSize) {
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("resume: sweep begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM segments WHERE key = ? AND signature = ?`, key, signature); err != nil {
		return false, fmt.Errorf("resume: sweep deleting segments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM writer_handles WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("resume: sweep deleting writer handle: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("resume: sweep commit: %w", err)
	}
	return true, nil
}

func isComplete(summary segmentSummary, expectedSegmentCount int, totalSize int64) bool {
	if expectedSegmentCount == 0 {
		return false
	}
	if len(summary.indices) < expectedSegmentCount {
		return false
	}
	for i := 0; i < expectedSegmentCount; i++ {
		if _, ok := summary.indices[i]; !ok {
			return false
		}
	}
	return summary.totalBytes >= totalSize
}
