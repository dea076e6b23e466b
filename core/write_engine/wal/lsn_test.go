package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatAndParseLSN(t *testing.T) {
	lsn := LSN(0x1_016B3D80)
	require.Equal(t, "1/16B3D80", FormatLSN(lsn))
	got, err := ParseLSN("1/16B3D80")
	require.NoError(t, err)
	require.Equal(t, lsn, got)

	for _, bad := range []string{"", "16B3D80", "x/1", "1/zz", "1/100000000"} {
		_, err := ParseLSN(bad)
		require.Error(t, err, bad)
	}
}

func TestSegmentFileNames(t *testing.T) {
	const segSize = 16 << 20
	name := SegmentFileName(1, 0x1FF, segSize)
	require.Equal(t, "0000000100000001000000FF", name)
	require.True(t, IsSegmentFileName(name))

	tli, segno, err := ParseSegmentFileName(name, segSize)
	require.NoError(t, err)
	require.Equal(t, TimeLineID(1), tli)
	require.Equal(t, SegNo(0x1FF), segno)

	_, _, err = ParseSegmentFileName("000000010000000100000100", segSize)
	require.Error(t, err, "low part out of range for 16MiB segments")
	require.False(t, IsSegmentFileName("nonrel_0000000000002000-0000000000004000"))
}

func TestSegmentArithmetic(t *testing.T) {
	segSize := MinSegmentSize
	require.True(t, IsValidSegmentSize(segSize))
	require.False(t, IsValidSegmentSize(segSize+BlockSize))

	start := segStart(3, segSize)
	require.Equal(t, SegNo(3), segNoOf(start, segSize))
	require.Equal(t, 0, segOffset(start, segSize))

	// the first page of a segment has the long header
	require.Equal(t, start+SizeOfLongPageHeader, skipHeader(start, segSize))
	require.Equal(t, start+BlockSize+SizeOfShortPageHeader, skipHeader(start+BlockSize, segSize))

	// advancing across a page boundary skips the next page header
	pos := start + BlockSize - 10
	require.Equal(t, start+BlockSize+SizeOfShortPageHeader+5, advance(pos, 15, segSize))
	require.Equal(t, start+BlockSize, advance(pos, 10, segSize))

	require.Equal(t, LSN(16), maxAlignLSN(9))
	require.Equal(t, LSN(16), maxAlignLSN(16))
}
