// Package codec implements the cipher format codec: pure functions that map
// plaintext offsets to ciphertext byte ranges, and that decrypt a contiguous,
// block-aligned ciphertext slice back to plaintext.
//
// The wire format is a sequence of NaCl secretbox-sealed blocks following an
// 8-byte magic + 24-byte base-nonce file header, the same block-chained
// layout used by rclone's crypt backend (see other_examples'
// rclone-rclone/crypt/cipher.go) — a per-block nonce obtained by adding the
// block index onto the base nonce, interpreted as a little-endian integer.
package codec

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/rescale/rescale-int/internal/constants"
)

// Mode is the encryption mode carried in the manifest.
type Mode string

const (
	ModePlain Mode = "plain"
	ModeCrypt Mode = "crypt"
)

var (
	// ErrBadMagic is returned when the CryptHeader's magic bytes don't match.
	ErrBadMagic = errors.New("codec: bad crypt header magic")
	// ErrHeaderTooShort is returned when fewer than FileHeaderSize bytes are available.
	ErrHeaderTooShort = errors.New("codec: crypt header too short")
	// ErrAEAD is a fatal error: the ciphertext failed authentication. Per spec
	// §1/§7, this can never be recovered and aborts the whole job.
	ErrAEAD = errors.New("codec: AEAD authentication failed")
	// ErrLengthMismatch is fatal: decrypted output length didn't match the
	// requested plaintext length, indicating a ciphertext/metadata mismatch.
	ErrLengthMismatch = errors.New("codec: decrypted length mismatch")
)

// CryptHeader is the parsed first FileHeaderSize bytes of a crypt-mode
// ciphertext stream.
type CryptHeader struct {
	BaseNonce [constants.BaseNonceSize]byte
}

// ParseCryptHeader parses the leading file-header bytes of a ciphertext
// stream. buf must be at least constants.FileHeaderSize bytes.
func ParseCryptHeader(buf []byte) (*CryptHeader, error) {
	if len(buf) < constants.FileHeaderSize {
		return nil, ErrHeaderTooShort
	}
	if !bytes.Equal(buf[:len(constants.CryptHeaderMagic)], constants.CryptHeaderMagic[:]) {
		return nil, ErrBadMagic
	}
	var h CryptHeader
	copy(h.BaseNonce[:], buf[len(constants.CryptHeaderMagic):constants.FileHeaderSize])
	return &h, nil
}

// Dims are the block dimensions from PlanMeta needed by the range mapping
// and decrypt functions.
type Dims struct {
	Mode             Mode
	BlockDataSize    int64 // B
	BlockHeaderSize  int64 // H (== secretbox.Overhead for this format)
	FileHeaderSize   int64 // F
}

// usesBlocks reports whether range mapping/decryption should go through the
// block grid at all: plain mode, or any zero/unset block dimension, maps
// identity per spec §4.1.
func (d Dims) usesBlocks() bool {
	return d.Mode == ModeCrypt && d.BlockDataSize > 0 && d.BlockHeaderSize > 0
}

// Mapping describes where a plaintext range lives in the ciphertext stream.
type Mapping struct {
	UnderlyingOffset   int64
	UnderlyingLimit    int64
	Discard            int64
	StartingBlockIndex int64
}

// MapRange computes the Mapping for a plaintext (offset, length) pair, per
// spec §4.1.
func MapRange(d Dims, offset, length int64) Mapping {
	if !d.usesBlocks() {
		return Mapping{UnderlyingOffset: offset, UnderlyingLimit: length}
	}

	B, H, F := d.BlockDataSize, d.BlockHeaderSize, d.FileHeaderSize
	blocks := offset / B
	discard := offset % B

	underlyingOffset := F + blocks*(H+B)

	bytesToRead := length - (B - discard)
	var blocksToRead int64
	if bytesToRead <= 0 {
		blocksToRead = 1
	} else {
		blocksToRead = 1 + bytesToRead/B
		if bytesToRead%B != 0 {
			blocksToRead++
		}
	}
	underlyingLimit := blocksToRead * (H + B)

	return Mapping{
		UnderlyingOffset:   underlyingOffset,
		UnderlyingLimit:    underlyingLimit,
		Discard:            discard,
		StartingBlockIndex: blocks,
	}
}

// nonce is a little-endian 192-bit counter, matching the on-wire base nonce.
type nonce [constants.BaseNonceSize]byte

func (n *nonce) pointer() *[constants.BaseNonceSize]byte {
	return (*[constants.BaseNonceSize]byte)(n)
}

// carry propagates a +1 carry starting at byte index i.
func (n *nonce) carry(i int) {
	for ; i < len(*n); i++ {
		digit := (*n)[i]
		newDigit := digit + 1
		(*n)[i] = newDigit
		if newDigit >= digit {
			break
		}
	}
}

// add adds a non-negative block index onto the nonce, taking care that the
// index may itself exceed 64 bits' worth of blocks for very large files;
// we only ever add a uint64 at a time (once, at worker init) and then
// increment one block at a time, so the carry chain never needs to reach
// beyond the 24-byte nonce.
func (n *nonce) add(x uint64) {
	carry := uint16(0)
	for i := 0; i < 8; i++ {
		digit := (*n)[i]
		xDigit := byte(x)
		x >>= 8
		carry += uint16(digit) + uint16(xDigit)
		(*n)[i] = byte(carry)
		carry >>= 8
	}
	if carry != 0 {
		n.carry(8)
	}
}

func (n *nonce) increment() {
	n.carry(0)
}

// DecryptSegment decrypts a contiguous ciphertext slice whose first byte
// corresponds to block mapping.StartingBlockIndex, returning exactly length
// plaintext bytes. key must be constants.DataKeySize bytes.
func DecryptSegment(d Dims, baseNonce [constants.BaseNonceSize]byte, key []byte, ciphertext []byte, mapping Mapping, length int64) ([]byte, error) {
	if !d.usesBlocks() {
		if int64(len(ciphertext)) < length {
			return nil, ErrLengthMismatch
		}
		return ciphertext[:length], nil
	}
	if len(key) != constants.DataKeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes, got %d", constants.DataKeySize, len(key))
	}

	var dataKey [constants.DataKeySize]byte
	copy(dataKey[:], key)

	var n nonce = nonce(baseNonce)
	n.add(uint64(mapping.StartingBlockIndex))

	blockFull := d.BlockHeaderSize + d.BlockDataSize
	var plaintext []byte
	pos := 0
	for pos < len(ciphertext) {
		end := pos + int(blockFull)
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		block := ciphertext[pos:end]
		if len(block) <= int(d.BlockHeaderSize) {
			return nil, ErrLengthMismatch
		}
		opened, ok := secretbox.Open(nil, block, n.pointer(), &dataKey)
		if !ok {
			return nil, ErrAEAD
		}
		plaintext = append(plaintext, opened...)
		n.increment()
		pos = end
	}

	if mapping.Discard > int64(len(plaintext)) {
		return nil, ErrLengthMismatch
	}
	plaintext = plaintext[mapping.Discard:]

	if int64(len(plaintext)) < length {
		return nil, ErrLengthMismatch
	}
	plaintext = plaintext[:length]

	if int64(len(plaintext)) != length {
		return nil, ErrLengthMismatch
	}
	return plaintext, nil
}

// EncryptStream is a test/reference helper: it encrypts a full plaintext
// buffer into the on-wire crypt format under the caller-supplied base nonce, used
// by codec tests to build round-trip fixtures. It is not part of the
// production download path (the client never encrypts).
func EncryptStream(blockDataSize int64, baseNonce [constants.BaseNonceSize]byte, key []byte, plaintext []byte) ([]byte, error) {
	if len(key) != constants.DataKeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes", constants.DataKeySize)
	}
	var dataKey [constants.DataKeySize]byte
	copy(dataKey[:], key)

	out := make([]byte, 0, len(constants.CryptHeaderMagic)+constants.BaseNonceSize+len(plaintext))
	out = append(out, constants.CryptHeaderMagic[:]...)
	out = append(out, baseNonce[:]...)

	n := nonce(baseNonce)
	for pos := 0; pos < len(plaintext); pos += int(blockDataSize) {
		end := pos + int(blockDataSize)
		if end > len(plaintext) {
			end = len(plaintext)
		}
		block := secretbox.Seal(nil, plaintext[pos:end], n.pointer(), &dataKey)
		out = append(out, block...)
		n.increment()
	}
	return out, nil
}

// constantTimeEqual compares two byte slices without leaking timing
// information. It is unexported and has no caller in this package: the
// decrypt path relies on secretbox.Open's own tag comparison.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
