// Package manifest defines the signed-manifest data model (spec §3/§6) and
// the PlanMeta signature used to decide whether persisted Resume Store
// artifacts can be reused across runs.
package manifest

import (
	"encoding/base64"
	"fmt"

	"github.com/rescale/rescale-int/internal/codec"
)

// Manifest is the decoded response of the signed-URL endpoint (spec §6).
type Manifest struct {
	RemoteURL       string            `json:"remoteUrl"`
	RemoteURLBase64 string            `json:"remoteUrlBase64,omitempty"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	TotalSize       int64             `json:"totalSize"`
	Mode            codec.Mode        `json:"mode"`
	FileHeaderSize  int64             `json:"fileHeaderSize"`
	BlockHeaderSize int64             `json:"blockHeaderSize"`
	BlockDataSize   int64             `json:"blockDataSize"`
	DataKeyBase64   string            `json:"dataKey"`
	FileName        string            `json:"fileName"`

	// ContentHash is an optional hex-encoded SHA-256 of the plaintext,
	// when the origin supplies one. Best-effort: absence never blocks
	// completion (see SPEC_FULL.md §3).
	ContentHash string `json:"contentHash,omitempty"`
}

// ResolvedURL returns the remote URL, decoding the base64 variant if the
// plain field is empty (spec §3: "optionally base64-encoded for obfuscation").
func (m *Manifest) ResolvedURL() (string, error) {
	if m.RemoteURL != "" {
		return m.RemoteURL, nil
	}
	if m.RemoteURLBase64 == "" {
		return "", fmt.Errorf("manifest: no remote URL present")
	}
	decoded, err := base64.StdEncoding.DecodeString(m.RemoteURLBase64)
	if err != nil {
		return "", fmt.Errorf("manifest: decoding base64 remote url: %w", err)
	}
	return string(decoded), nil
}

// DataKey decodes the base64 data key.
func (m *Manifest) DataKey() ([]byte, error) {
	if m.DataKeyBase64 == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(m.DataKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("manifest: decoding base64 data key: %w", err)
	}
	return key, nil
}

// Validate checks manifest-level preconditions (spec §7, "Precondition missing").
func (m *Manifest) Validate() error {
	if m.Mode != codec.ModePlain && m.Mode != codec.ModeCrypt {
		return fmt.Errorf("manifest: unknown encryption mode %q", m.Mode)
	}
	if m.TotalSize < 0 {
		return fmt.Errorf("manifest: negative total size")
	}
	if m.Mode == codec.ModeCrypt {
		key, err := m.DataKey()
		if err != nil {
			return err
		}
		if len(key) == 0 {
			return fmt.Errorf("manifest: data key is required in crypt mode")
		}
	}
	if _, err := m.ResolvedURL(); err != nil {
		return err
	}
	return nil
}

// PlanMeta is the compact shape of a manifest that determines segment
// geometry, used to build the reuse Signature (spec §3).
type PlanMeta struct {
	TotalSize        int64
	BlockDataSize    int64
	BlockHeaderSize  int64
	FileHeaderSize   int64
	Mode             codec.Mode
	SegmentSizeBytes int64
}

// Signature returns the compact plan signature string spec §3 defines:
// "{size}:{blockData}:{blockHeader}:{fileHeader}:{mode}:{segSize}".
func (p PlanMeta) Signature() string {
	return fmt.Sprintf("%d:%d:%d:%d:%s:%d",
		p.TotalSize, p.BlockDataSize, p.BlockHeaderSize, p.FileHeaderSize, p.Mode, p.SegmentSizeBytes)
}

// PlanMetaFromManifest builds a PlanMeta from a validated Manifest and the
// user-configured segment size in bytes.
func PlanMetaFromManifest(m *Manifest, segmentSizeBytes int64) PlanMeta {
	return PlanMeta{
		TotalSize:        m.TotalSize,
		BlockDataSize:    m.BlockDataSize,
		BlockHeaderSize:  m.BlockHeaderSize,
		FileHeaderSize:   m.FileHeaderSize,
		Mode:             m.Mode,
		SegmentSizeBytes: segmentSizeBytes,
	}
}

// Dims adapts a PlanMeta into the codec.Dims the range mapper/decryptor need.
func (p PlanMeta) Dims() codec.Dims {
	return codec.Dims{
		Mode:            p.Mode,
		BlockDataSize:   p.BlockDataSize,
		BlockHeaderSize: p.BlockHeaderSize,
		FileHeaderSize:  p.FileHeaderSize,
	}
}

// Compatible reports whether two plans are interchangeable: equal
// signatures and equal data keys (spec §3).
func Compatible(a, b PlanMeta, keyA, keyB []byte) bool {
	if a.Signature() != b.Signature() {
		return false
	}
	if len(keyA) != len(keyB) {
		return false
	}
	for i := range keyA {
		if keyA[i] != keyB[i] {
			return false
		}
	}
	return true
}
