package progress

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// Snapshot is the pair of scalars the orchestrator exposes for a download in
// progress (spec §4.8): ciphertext bytes fetched from the origin and
// plaintext bytes delivered to the sink, plus a rolling speed sample.
type Snapshot struct {
	DownloadedEncrypted int64
	TotalEncrypted      int64
	DecryptedBytes      int64
	TotalSize           int64
	SpeedBytesPerSec    float64
	Retries             int
}

// SessionUI drives a single mpb bar for one vaultpull download, tracking
// plaintext delivery (the number a user actually cares about) with its speed
// and ETA, while the label shows the file name, size, and retry count.
// Grounded on the
// teacher's per-file mpb bar, collapsed from a multi-file batch to the one
// download a vaultpull session drives at a time.
type SessionUI struct {
	progress   *mpb.Progress
	bar        *mpb.Bar
	isTerminal bool
	fileName   string
	totalSize  int64
	retries    int32
	startTime  time.Time
}

// NewSessionUI creates a SessionUI for a download of totalSize plaintext
// bytes. On a non-TTY output it prints a single start line instead of
// rendering a bar.
func NewSessionUI(fileName string, totalSize int64) *SessionUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		enableANSIOnWindows(os.Stderr)
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	}

	u := &SessionUI{
		progress:   p,
		isTerminal: isTerminal,
		fileName:   fileName,
		totalSize:  totalSize,
		startTime:  time.Now(),
	}

	if isTerminal {
		u.bar = p.New(totalSize,
			mpb.BarStyle().
				Lbound("[").
				Filler("█").
				Tip("█").
				Padding("░").
				Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(s decor.Statistics) string {
					retries := atomic.LoadInt32(&u.retries)
					base := fmt.Sprintf("%s (%.1f MiB)", truncatePath(fileName, 2), float64(totalSize)/(1024*1024))
					if retries > 0 {
						return fmt.Sprintf("%s (retry %d)", base, retries)
					}
					return base
				}, decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
				decor.Name("  "),
				decor.Name("ETA ", decor.WCSyncWidth),
				decor.EwmaETA(decor.ET_STYLE_GO, 60),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Fprintf(os.Stderr, "downloading: %s (%.1f MiB)\n", fileName, float64(totalSize)/(1024*1024))
	}

	return u
}

// Update applies a fresh progress snapshot, advancing the bar to
// snap.DecryptedBytes and recording the retry count for the label.
func (u *SessionUI) Update(snap Snapshot) {
	atomic.StoreInt32(&u.retries, int32(snap.Retries))
	if u.bar == nil {
		return
	}
	u.bar.SetCurrent(snap.DecryptedBytes)
}

// Poll runs Update on a 300ms ticker by calling source until done is
// closed, then applies one final update; intended to run in its own goroutine
// alongside Orchestrator.Wait.
func (u *SessionUI) Poll(source func() Snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.Update(source())
		case <-done:
			u.Update(source())
			return
		}
	}
}

// Finish marks the bar complete or aborted and prints a one-line summary.
func (u *SessionUI) Finish(err error) {
	elapsed := time.Since(u.startTime)
	speed := float64(u.totalSize) / elapsed.Seconds() / (1024 * 1024)

	if err == nil {
		if u.bar != nil {
			u.bar.SetCurrent(u.totalSize)
			u.bar.SetTotal(u.totalSize, true)
		}
		msg := fmt.Sprintf("✓ %s (%.1f MiB, %s, %.1f MiB/s)\n",
			u.fileName, float64(u.totalSize)/(1024*1024), elapsed.Round(time.Second), speed)
		u.write(msg)
		return
	}

	if u.bar != nil {
		u.bar.Abort(false)
	}
	msg := fmt.Sprintf("✗ %s: %v (after %d retries)\n", u.fileName, err, atomic.LoadInt32(&u.retries))
	u.write(msg)
}

func (u *SessionUI) write(msg string) {
	if u.isTerminal && u.progress != nil {
		u.progress.Write([]byte(msg))
		return
	}
	fmt.Fprint(os.Stderr, msg)
}

// Wait blocks until the bar's goroutine has finished rendering.
func (u *SessionUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}
