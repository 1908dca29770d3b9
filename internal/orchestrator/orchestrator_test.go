package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/constants"
	"github.com/rescale/rescale-int/internal/logging"
	"github.com/rescale/rescale-int/internal/manifest"
	"github.com/rescale/rescale-int/internal/resume"
)

// cryptFixture builds an on-wire crypt-mode ciphertext stream plus the
// manifest fields needed to describe it.
type cryptFixture struct {
	plaintext []byte
	cipher    []byte
	dataKey   []byte
	baseNonce [constants.BaseNonceSize]byte
	blockData int64
}

func newCryptFixture(t *testing.T, plainSize int) *cryptFixture {
	t.Helper()
	plaintext := make([]byte, plainSize)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}

	key := make([]byte, constants.DataKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	var baseNonce [constants.BaseNonceSize]byte
	_, err = rand.Read(baseNonce[:])
	require.NoError(t, err)

	const blockData = int64(65536)
	cipher, err := codec.EncryptStream(blockData, baseNonce, key, plaintext)
	require.NoError(t, err)

	return &cryptFixture{plaintext: plaintext, cipher: cipher, dataKey: key, baseNonce: baseNonce, blockData: blockData}
}

// rangeServer serves byte-range GET requests against a fixed buffer,
// mimicking an origin that honors Range headers with 206 responses.
func rangeServer(t *testing.T, buf []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		from, to := int64(0), int64(len(buf))-1
		if rng != "" {
			rng = strings.TrimPrefix(rng, "bytes=")
			parts := strings.SplitN(rng, "-", 2)
			from, _ = strconv.ParseInt(parts[0], 10, 64)
			if parts[1] != "" {
				to, _ = strconv.ParseInt(parts[1], 10, 64)
			}
		}
		if to >= int64(len(buf)) {
			to = int64(len(buf)) - 1
		}
		if from > to || from < 0 {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, len(buf)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(buf[from : to+1])
	}))
}

func newTestOrchestrator(t *testing.T, settings Settings) (*Orchestrator, *resume.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	store, err := resume.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	o := New(store, logging.NewDefault(), nil, "test", settings)
	return o, store
}

func TestOrchestrator_CryptModeEndToEnd(t *testing.T) {
	fx := newCryptFixture(t, 3*int(constants.DefaultSegmentSizeMB)*1024*1024/64) // 1.5 MiB: two segments at 1 MiB
	srv := rangeServer(t, fx.cipher)
	defer srv.Close()

	man := &manifest.Manifest{
		RemoteURL:       srv.URL,
		Method:          http.MethodGet,
		Mode:            codec.ModeCrypt,
		TotalSize:       int64(len(fx.plaintext)),
		BlockDataSize:   fx.blockData,
		BlockHeaderSize: constants.BlockTagSize,
		FileHeaderSize:  int64(constants.FileHeaderSize),
		DataKeyBase64:   base64.StdEncoding.EncodeToString(fx.dataKey),
		FileName:        "payload.bin",
	}

	settings := Settings{ConnectionLimit: 3, DecryptParallelism: 3, SegmentSizeMB: 1, TTFBTimeoutSeconds: 5, RetryLimit: -1}
	o, _ := newTestOrchestrator(t, settings)

	destPath := filepath.Join(t.TempDir(), "out.bin")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.PrepareFromInfo(ctx, man, PrepareParams{Path: "p", Sign: "s", AutoStart: true, DestPath: destPath})
	require.NoError(t, err)
	require.NoError(t, o.Wait())
	require.Equal(t, StateDone, o.State())

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, fx.plaintext, got)
}

func TestOrchestrator_PlainModeEndToEnd(t *testing.T) {
	plaintext := make([]byte, 2*1024*1024+777)
	for i := range plaintext {
		plaintext[i] = byte((i * 7) % 256)
	}
	srv := rangeServer(t, plaintext)
	defer srv.Close()

	man := &manifest.Manifest{
		RemoteURL: srv.URL,
		Method:    http.MethodGet,
		Mode:      codec.ModePlain,
		TotalSize: int64(len(plaintext)),
		FileName:  "plain.bin",
	}

	settings := Settings{ConnectionLimit: 4, DecryptParallelism: 4, SegmentSizeMB: 1, TTFBTimeoutSeconds: 5, RetryLimit: -1}
	o, _ := newTestOrchestrator(t, settings)

	destPath := filepath.Join(t.TempDir(), "out.bin")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.PrepareFromInfo(ctx, man, PrepareParams{Path: "p", Sign: "s", AutoStart: true, DestPath: destPath})
	require.NoError(t, err)
	require.NoError(t, o.Wait())
	require.Equal(t, StateDone, o.State())

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOrchestrator_ResumeReusesPersistedSegments(t *testing.T) {
	fx := newCryptFixture(t, 1*1024*1024)
	srv := rangeServer(t, fx.cipher)
	defer srv.Close()

	man := &manifest.Manifest{
		RemoteURL:       srv.URL,
		Method:          http.MethodGet,
		Mode:            codec.ModeCrypt,
		TotalSize:       int64(len(fx.plaintext)),
		BlockDataSize:   fx.blockData,
		BlockHeaderSize: constants.BlockTagSize,
		FileHeaderSize:  int64(constants.FileHeaderSize),
		DataKeyBase64:   base64.StdEncoding.EncodeToString(fx.dataKey),
		FileName:        "payload.bin",
	}

	settings := Settings{ConnectionLimit: 2, DecryptParallelism: 2, SegmentSizeMB: 1, TTFBTimeoutSeconds: 5, RetryLimit: -1}

	dbPath := filepath.Join(t.TempDir(), "resume.db")
	store, err := resume.Open(dbPath)
	require.NoError(t, err)

	o1 := New(store, logging.NewDefault(), nil, "test", settings)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	destPath := filepath.Join(t.TempDir(), "out.bin")
	_, err = o1.PrepareFromInfo(ctx, man, PrepareParams{Path: "p", Sign: "s", AutoStart: true, DestPath: destPath})
	require.NoError(t, err)
	require.NoError(t, o1.Wait())
	require.Equal(t, StateDone, o1.State())
	store.Close()

	// Reopen the same Resume Store file and prepare again: the segments
	// persisted by the first run should be reported as reused.
	store2, err := resume.Open(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	o2 := New(store2, logging.NewDefault(), nil, "test", settings)
	reused, err := o2.PrepareFromInfo(ctx, man, PrepareParams{Path: "p", Sign: "s"})
	require.NoError(t, err)
	require.Greater(t, reused, 0)
}
