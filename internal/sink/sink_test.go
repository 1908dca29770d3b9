package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileSink_WriteFinalize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s, kind, err := Acquire(Options{DestPath: path})
	require.NoError(t, err)
	require.Equal(t, KindPersistentFile, kind)

	require.NoError(t, s.Write([]byte("hello ")))
	require.NoError(t, s.Write([]byte("world")))
	require.NoError(t, s.Finalize())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestFileSink_AbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s, _, err := Acquire(Options{DestPath: path})
	require.NoError(t, err)
	require.NoError(t, s.Write([]byte("partial")))
	require.NoError(t, s.Abort(nil))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, s.Abort(nil)) // idempotent
}

func TestTempFileSink_FallsBackWhenPersistentDisabled(t *testing.T) {
	dir := t.TempDir()
	s, kind, err := Acquire(Options{TempDir: dir, FileName: "My File!.bin", DisablePersistent: true})
	require.NoError(t, err)
	require.Equal(t, KindTempFile, kind)
	require.Contains(t, s.Path(), "tmp_vaultpull_My_File_")

	require.NoError(t, s.Write([]byte("data")))
	require.NoError(t, s.Finalize())

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestStreamSink(t *testing.T) {
	var buf bytes.Buffer
	s := newStreamSink(&buf)
	require.NoError(t, s.Write([]byte("chunk1")))
	require.NoError(t, s.Write([]byte("chunk2")))
	require.NoError(t, s.Finalize())
	require.Equal(t, "chunk1chunk2", buf.String())
	require.Equal(t, "", s.Path())
}

func TestMemorySink(t *testing.T) {
	s := newMemorySink(10)
	require.NoError(t, s.Write([]byte("ab")))
	require.NoError(t, s.Write([]byte("cd")))
	require.NoError(t, s.Finalize())
	require.Equal(t, []byte("abcd"), s.Bytes())
}

func TestMemorySink_AbortResetsBuffer(t *testing.T) {
	s := newMemorySink(0)
	require.NoError(t, s.Write([]byte("ab")))
	require.NoError(t, s.Abort(nil))
	require.Empty(t, s.Bytes())
}
