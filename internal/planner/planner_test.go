package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/manifest"
)

func TestBuild_PlainMode_CoversExactly(t *testing.T) {
	meta := manifest.PlanMeta{TotalSize: 1000, Mode: codec.ModePlain, SegmentSizeBytes: 300}
	plan, err := Build(meta)
	require.NoError(t, err)
	require.Len(t, plan.Segments, 4)

	var offset int64
	for i, seg := range plan.Segments {
		require.Equal(t, i, seg.Index)
		require.Equal(t, offset, seg.Offset)
		require.LessOrEqual(t, seg.Length, meta.SegmentSizeBytes)
		offset += seg.Length
	}
	require.Equal(t, meta.TotalSize, offset)
	require.Equal(t, int64(100), plan.Segments[3].Length) // last segment is the remainder
	require.Equal(t, meta.TotalSize, plan.TotalEncrypted)
}

func TestBuild_CryptMode_TotalEncryptedSumsUnderlyingLimits(t *testing.T) {
	meta := manifest.PlanMeta{
		TotalSize: 1000, Mode: codec.ModeCrypt,
		BlockDataSize: 256, BlockHeaderSize: 16, FileHeaderSize: 32,
		SegmentSizeBytes: 400,
	}
	plan, err := Build(meta)
	require.NoError(t, err)

	var want int64
	for _, seg := range plan.Segments {
		want += seg.Mapping.UnderlyingLimit
	}
	require.Equal(t, want, plan.TotalEncrypted)
}

func TestBuild_ZeroSize(t *testing.T) {
	meta := manifest.PlanMeta{TotalSize: 0, Mode: codec.ModePlain, SegmentSizeBytes: 100}
	plan, err := Build(meta)
	require.NoError(t, err)
	require.Empty(t, plan.Segments)
	require.Equal(t, int64(0), plan.TotalEncrypted)
}

func TestBuild_RejectsNonPositiveSegmentSize(t *testing.T) {
	meta := manifest.PlanMeta{TotalSize: 100, SegmentSizeBytes: 0}
	_, err := Build(meta)
	require.Error(t, err)
}

func TestBuild_LastSegmentSmaller(t *testing.T) {
	meta := manifest.PlanMeta{TotalSize: 950, Mode: codec.ModePlain, SegmentSizeBytes: 300}
	plan, err := Build(meta)
	require.NoError(t, err)
	for _, seg := range plan.Segments[:len(plan.Segments)-1] {
		require.Equal(t, meta.SegmentSizeBytes, seg.Length)
	}
	last := plan.Segments[len(plan.Segments)-1]
	require.Equal(t, int64(50), last.Length)
}
