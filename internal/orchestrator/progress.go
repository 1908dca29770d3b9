package orchestrator

import (
	"time"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/planner"
)

// Progress holds the scalar counters spec §4.8 requires the orchestrator to
// maintain, plus a rolling speed sample.
type Progress struct {
	DownloadedEncrypted int64
	TotalEncrypted      int64
	DecryptedBytes      int64
	TotalSize           int64

	windowStart time.Time
	windowBytes int64
	SpeedBytesPerSec float64
}

// onSegmentDone accounts for a segment whose ciphertext has landed,
// matching the invariant that downloadedEncrypted is non-decreasing except
// on rollback of a discarded over-fetch (spec §3).
func (p *Progress) onSegmentDone(seg *planner.Segment, mode codec.Mode) {
	if mode == codec.ModeCrypt {
		p.addDownloaded(seg.Mapping.UnderlyingLimit)
	} else {
		p.addDownloaded(seg.Length)
	}
}

func (p *Progress) addDownloaded(n int64) {
	p.DownloadedEncrypted += n
	if p.windowStart.IsZero() {
		p.windowStart = time.Now()
	}
	p.windowBytes += n
	if elapsed := time.Since(p.windowStart); elapsed > 200*time.Millisecond {
		p.SpeedBytesPerSec = float64(p.windowBytes) / elapsed.Seconds()
		p.windowStart = time.Now()
		p.windowBytes = 0
	}
}

// rollback reverses an over-fetch that was truncated away (spec's "Open
// Question": plain-mode responses that return more bytes than requested
// are capped and the excess is rolled back from downloadedEncrypted).
func (p *Progress) rollback(n int64) {
	p.DownloadedEncrypted -= n
	if p.DownloadedEncrypted < 0 {
		p.DownloadedEncrypted = 0
	}
}

func (p *Progress) addDecrypted(n int64) {
	p.DecryptedBytes += n
}
