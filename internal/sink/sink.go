// Package sink implements the append-only output abstraction (spec §4.2):
// four concrete variants behind a common Sink interface, selected in
// fallback order at acquisition time.
package sink

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/rescale/rescale-int/internal/diskspace"
)

// spaceSafetyMargin inflates a size hint before checking free space, so a
// close call doesn't run out mid-write once segment overhead is accounted for.
const spaceSafetyMargin = 1.05

// Sink is an append-only, single-writer destination for decrypted plaintext.
type Sink interface {
	// Write appends chunk. Writes must land in the order the orchestrator
	// calls Write (monotone segment-index order); the sink never reorders.
	Write(chunk []byte) error
	// Finalize completes the write and releases any transient resources.
	// Must not be called after Abort.
	Finalize() error
	// Abort releases resources without completing the write. Idempotent.
	Abort(reason error) error
	// Path reports a filesystem path for the finished artifact, if any.
	Path() string
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(name string) string {
	if name == "" {
		name = "download"
	}
	return sanitizeRe.ReplaceAllString(name, "_")
}

// Kind names the four variants for logging/progress purposes.
type Kind string

const (
	KindPersistentFile Kind = "persistent-file"
	KindTempFile       Kind = "temp-file"
	KindStream         Kind = "stream"
	KindMemory         Kind = "memory"
)

// Options configures Acquire's fallback chain.
type Options struct {
	// DestPath, if set, is the user-chosen persistent file location.
	DestPath string
	// DisablePersistent forces the fallback chain to skip the persistent
	// file variant even when DestPath is set.
	DisablePersistent bool
	// TempDir is the per-process namespace app-managed temp files are
	// created under. Defaults to os.TempDir().
	TempDir string
	// Writer is the externally-owned io.Writer (e.g. stdout) the streaming
	// variant writes to as bytes arrive. Acquire only uses it when neither
	// the persistent file nor a temp file could be opened.
	Writer io.Writer
	// FileName is the logical name of the downloaded artifact, used to
	// build the temp file name.
	FileName string
	// SizeHint is the expected total plaintext size, if known.
	SizeHint int64
}

// Acquire selects a sink following the spec §4.2 fallback policy: persistent
// file, then app-managed temp file, then streaming writer, then in-memory
// buffer. Each tier is only attempted if the prior one isn't applicable or
// fails to open.
func Acquire(opts Options) (Sink, Kind, error) {
	if opts.DestPath != "" && !opts.DisablePersistent {
		spaceErr := true
		if opts.SizeHint > 0 {
			spaceErr = diskspace.CheckAvailableSpace(opts.DestPath, opts.SizeHint, spaceSafetyMargin) == nil
		}
		if spaceErr {
			if s, err := newFileSink(opts.DestPath); err == nil {
				return s, KindPersistentFile, nil
			}
		}
	}

	tempOK := true
	if opts.SizeHint > 0 {
		tempDir := opts.TempDir
		if tempDir == "" {
			tempDir = os.TempDir()
		}
		tempOK = diskspace.CheckAvailableSpace(tempDir, opts.SizeHint, spaceSafetyMargin) == nil
	}
	if tempOK {
		if s, err := newTempFileSink(opts.TempDir, opts.FileName); err == nil {
			return s, KindTempFile, nil
		}
	}

	if opts.Writer != nil {
		return newStreamSink(opts.Writer), KindStream, nil
	}

	return newMemorySink(opts.SizeHint), KindMemory, nil
}

// fileSink writes directly to a user-chosen path.
type fileSink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

func newFileSink(path string) (*fileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sink: creating parent dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: opening %s: %w", path, err)
	}
	return &fileSink{f: f, path: path}, nil
}

func (s *fileSink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink: write after close")
	}
	_, err := s.f.Write(chunk)
	return err
}

func (s *fileSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sink: syncing %s: %w", s.path, err)
	}
	return s.f.Close()
}

func (s *fileSink) Abort(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.f.Close()
	os.Remove(s.path)
	return nil
}

func (s *fileSink) Path() string { return s.path }

// tempFileSink is an app-managed temp file, named
// tmp_<prefix>_<sanitized>_<uuid>.bin per spec §4.2, that is left on disk
// at Finalize for the caller to move into place.
type tempFileSink struct {
	fileSink
}

func newTempFileSink(dir, fileName string) (*tempFileSink, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: creating temp dir: %w", err)
	}
	name := fmt.Sprintf("tmp_vaultpull_%s_%s.bin", sanitize(fileName), uuid.NewString())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sink: creating temp file: %w", err)
	}
	return &tempFileSink{fileSink: fileSink{f: f, path: path}}, nil
}

// streamSink writes straight through to an externally-owned writer with no
// local file. Path always returns "".
type streamSink struct {
	mu   sync.Mutex
	w    io.Writer
	done bool
}

func newStreamSink(w io.Writer) *streamSink {
	return &streamSink{w: w}
}

func (s *streamSink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("sink: write after close")
	}
	_, err := s.w.Write(chunk)
	return err
}

func (s *streamSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if f, ok := s.w.(*os.File); ok {
		return f.Sync()
	}
	return nil
}

func (s *streamSink) Abort(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return nil
}

func (s *streamSink) Path() string { return "" }

// memorySink buffers the whole plaintext in memory, concatenated on
// Finalize. Used only as the last-resort fallback or for small files.
type memorySink struct {
	mu   sync.Mutex
	buf  *bytes.Buffer
	done bool
}

func newMemorySink(sizeHint int64) *memorySink {
	buf := &bytes.Buffer{}
	if sizeHint > 0 {
		buf.Grow(int(sizeHint))
	}
	return &memorySink{buf: buf}
}

func (s *memorySink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("sink: write after close")
	}
	_, err := s.buf.Write(chunk)
	return err
}

func (s *memorySink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return nil
}

func (s *memorySink) Abort(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.buf.Reset()
	return nil
}

func (s *memorySink) Path() string { return "" }

// Bytes returns the accumulated buffer. Only meaningful after Finalize.
func (s *memorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Bytes()
}
