package resume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resume.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKey_Format(t *testing.T) {
	k := Key("vaultpull", "/a/b c", "sig=1&x=2")
	require.Equal(t, "vaultpull::%2Fa%2Fb+c::sig%3D1%26x%3D2", k)
}

func TestSettings_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetSetting("connectionLimit")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetSetting("connectionLimit", "8"))
	v, ok, err := s.GetSetting("connectionLimit")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "8", v)
}

type fakeManifest struct {
	TotalSize int64  `json:"totalSize"`
	FileName  string `json:"fileName"`
}

func TestManifestCache_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	key := Key("vaultpull", "/p", "sign")

	require.NoError(t, s.PutManifest(key, 1, fakeManifest{TotalSize: 1000, FileName: "a.bin"}))

	var out fakeManifest
	ok, err := s.GetManifest(key, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1000), out.TotalSize)
	require.Equal(t, "a.bin", out.FileName)
}

func TestSegments_SignatureMismatchExcluded(t *testing.T) {
	s := openTestStore(t)
	key := Key("vaultpull", "/p", "sign")

	require.NoError(t, s.PutSegment(key, 0, "sig-a", []byte("aaaa")))
	require.NoError(t, s.PutSegment(key, 1, "sig-b", []byte("bbbb")))

	got, err := s.LoadSegments(key, "sig-a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 0, got[0].Index)
}

func TestWriterHandle_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	key := Key("vaultpull", "/p", "sign")

	_, ok, err := s.GetWriterHandle(key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutWriterHandle(key, "handle-123"))
	h, ok, err := s.GetWriterHandle(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "handle-123", h)
}

func TestClearKey_ScopedToKey(t *testing.T) {
	s := openTestStore(t)
	keyA := Key("vaultpull", "/a", "sign")
	keyB := Key("vaultpull", "/b", "sign")

	require.NoError(t, s.PutSegment(keyA, 0, "sig", []byte("x")))
	require.NoError(t, s.PutSegment(keyB, 0, "sig", []byte("y")))

	require.NoError(t, s.ClearKey(keyA))

	segsA, err := s.LoadSegments(keyA, "sig")
	require.NoError(t, err)
	require.Empty(t, segsA)

	segsB, err := s.LoadSegments(keyB, "sig")
	require.NoError(t, err)
	require.Len(t, segsB, 1)
}

func TestSessionIsolation_ClearsKeyedDataButKeepsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetSetting("connectionLimit", "8"))
	key := Key("vaultpull", "/p", "sign")
	require.NoError(t, s1.PutSegment(key, 0, "sig", []byte("x")))
	require.NoError(t, s1.Close())

	// Reopening the same file resumes the same session: the marker is
	// already set, so segments survive.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	segs, err := s2.LoadSegments(key, "sig")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	v, ok, err := s2.GetSetting("connectionLimit")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "8", v)
}
