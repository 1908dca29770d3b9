// Package progress provides a unified interface for progress reporting
// across CLI (progress bars) and GUI (event bus) modes.
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/rescale/rescale-int/internal/events"
)

// Reporter is the interface for reporting progress in both CLI and GUI modes.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
	SetDescription(desc string)
}

// CLIProgress implements progress reporting for CLI mode using progress bars.
type CLIProgress struct {
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a new CLI progress reporter.
func NewCLIProgress() *CLIProgress {
	return &CLIProgress{}
}

// Start initializes the progress bar with total size and description.
func (p *CLIProgress) Start(total int64, description string) {
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update updates the progress bar to the current position.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}
}

// SetDescription updates the progress bar description.
func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// GUIProgress implements progress reporting for a non-CLI embedder by
// publishing events.ProgressEvent/ErrorEvent onto the shared event bus
// instead of drawing a terminal bar. current/total map onto DecryptedBytes/
// TotalSize, the plaintext-delivery metric a caller-side GUI would render.
type GUIProgress struct {
	eventBus *events.EventBus
	key      string
	total    int64
	current  int64
}

// NewGUIProgress creates a new GUI progress reporter keyed to a Resume Store
// key so a subscriber can correlate events with a specific download.
func NewGUIProgress(eventBus *events.EventBus, key string) *GUIProgress {
	return &GUIProgress{
		eventBus: eventBus,
		key:      key,
	}
}

func (p *GUIProgress) publish(current int64) {
	p.eventBus.Publish(&events.ProgressEvent{
		BaseEvent:      events.BaseEvent{EventType: events.EventProgress, Time: time.Now()},
		Key:            p.key,
		DecryptedBytes: current,
		TotalSize:      p.total,
	})
}

// Start initializes progress tracking. description is unused: state changes
// are reported separately via events.StateChangeEvent.
func (p *GUIProgress) Start(total int64, description string) {
	p.total = total
	p.current = 0
	p.publish(0)
}

// Update publishes progress update to event bus.
func (p *GUIProgress) Update(current int64) {
	p.current = current
	p.publish(current)
}

// Finish publishes completion event.
func (p *GUIProgress) Finish() {
	p.publish(p.total)
}

// Error publishes an error event.
func (p *GUIProgress) Error(err error) {
	if err == nil {
		return
	}
	p.eventBus.Publish(&events.ErrorEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventError, Time: time.Now()},
		Key:       p.key,
		Error:     err,
	})
}

// SetDescription is a no-op in GUI mode: stage text has no dedicated event,
// the Logger's status/log lines carry that information instead.
func (p *GUIProgress) SetDescription(desc string) {}

// NoOpProgress is a progress reporter that does nothing (for background/silent operations).
type NoOpProgress struct{}

// NewNoOpProgress creates a new no-op progress reporter.
func NewNoOpProgress() *NoOpProgress {
	return &NoOpProgress{}
}

// Start does nothing.
func (p *NoOpProgress) Start(total int64, description string) {}

// Update does nothing.
func (p *NoOpProgress) Update(current int64) {}

// Finish does nothing.
func (p *NoOpProgress) Finish() {}

// Error does nothing.
func (p *NoOpProgress) Error(err error) {}

// SetDescription does nothing.
func (p *NoOpProgress) SetDescription(desc string) {}
