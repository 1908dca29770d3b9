// Package constants holds shared tunable bounds and defaults for vaultpull.
package constants

import "time"

// Segment size bounds, in megabytes. Mirrors the segmentSizeMb knob.
const (
	MinSegmentSizeMB     = 2
	MaxSegmentSizeMB     = 48
	DefaultSegmentSizeMB = 32
)

// Connection / parallelism bounds.
const (
	MinConnectionLimit     = 1
	MaxConnectionLimit     = 32
	DefaultConnectionLimit = 6

	MinDecryptParallelism     = 1
	MaxDecryptParallelism     = 32
	DefaultDecryptParallelism = 6
)

// TTFB timeout bounds, in seconds.
const (
	MinTTFBTimeoutSeconds     = 5
	MaxTTFBTimeoutSeconds     = 120
	DefaultTTFBTimeoutSeconds = 20
)

// RetryLimitInf is the literal config token for an unbounded segment retry budget.
const RetryLimitInf = "inf"

// MinDispatchInterval is the minimum gap the scheduler enforces between
// successive dispatches.
const MinDispatchInterval = 300 * time.Millisecond

// Retry policy delays.
const (
	Rate429SilentDelay    = 1 * time.Second
	Rate429SilentAttempts = 9
	Rate429MaxBackoff     = 10 * time.Second
	OtherErrorDelay       = 20 * time.Second
)

// BackpressureMultiplier sizes the decrypt pool's job and result channel
// buffers at BackpressureMultiplier*N. Nothing caps the number of
// completed-but-unwritten segments held in the reorder buffer.
const BackpressureMultiplier = 2

// ResumeRecordTTL bounds how long cached manifest/segment/handle rows in the
// Resume Store remain valid.
const ResumeRecordTTL = 24 * time.Hour

// EventBus buffer sizing.
const (
	EventBusDefaultBuffer = 1000
	EventBusMaxBuffer     = 10000
)

// CryptHeaderMagic is the 8-byte magic token at the start of a crypt-mode
// ciphertext stream.
var CryptHeaderMagic = [8]byte{0x52, 0x43, 0x4c, 0x4f, 0x4e, 0x45, 0x00, 0x00}

// CryptHeader / block layout constants.
const (
	BaseNonceSize  = 24 // secretbox nonce
	DataKeySize    = 32 // secretbox key
	BlockTagSize   = 16 // secretbox.Overhead
	FileHeaderSize = len(CryptHeaderMagic) + BaseNonceSize
)
